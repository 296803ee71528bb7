package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cs-workflows/backend/internal/condition"
	"cs-workflows/backend/internal/config"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

//go:embed fixtures.yaml
var defaultFixture []byte

// fixture is the seed file. It is decoded from YAML through JSON so the
// models' tagged unions decode the same way they do over the API.
type fixture struct {
	Companies     []models.Company      `json:"companies"`
	Thresholds    map[string]string     `json:"thresholds"`
	Templates     []models.Template     `json:"templates"`
	Modifications []models.Modification `json:"modifications"`
	Snapshots     []models.Snapshot     `json:"snapshots"`
}

type summary struct {
	Companies     int `json:"companies"`
	Thresholds    int `json:"thresholds"`
	Templates     int `json:"templates"`
	Modifications int `json:"modifications"`
	Snapshots     int `json:"snapshots"`
}

func main() {
	var (
		configPath  string
		fixturePath string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load demo companies, templates and modifications",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

			raw := defaultFixture
			if fixturePath != "" {
				if raw, err = os.ReadFile(fixturePath); err != nil {
					return fmt.Errorf("failed to read fixture: %w", err)
				}
			}
			fx, err := parseFixture(raw)
			if err != nil {
				return err
			}

			var store repository.Store = repository.NewMemoryStore()
			if !dryRun {
				pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
				if err != nil {
					return fmt.Errorf("failed to connect to DB: %w", err)
				}
				defer pool.Close()
				pg := repository.NewPostgresStore(pool)
				if err := pg.Migrate(ctx); err != nil {
					return err
				}
				store = pg
			}

			eval, err := condition.NewEvaluator()
			if err != nil {
				return err
			}
			sum, err := seed(ctx, store, eval, fx, logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "YAML fixture to load instead of the built-in one")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the fixture against an in-memory store")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseFixture(raw []byte) (*fixture, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert fixture: %w", err)
	}
	var fx fixture
	if err := json.Unmarshal(js, &fx); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &fx, nil
}

// seed writes fx to store. Running it twice leaves the store unchanged the
// second time, apart from company names.
func seed(ctx context.Context, store repository.Store, eval *condition.Evaluator, fx *fixture, logger *logging.Logger) (summary, error) {
	var sum summary

	for i := range fx.Companies {
		c := fx.Companies[i]
		if err := store.SaveCompany(ctx, &c); err != nil {
			return sum, fmt.Errorf("company %s: %w", c.ID, err)
		}
		sum.Companies++
	}

	for key, value := range fx.Thresholds {
		if err := thresholds.ValidateValue(key, value); err != nil {
			return sum, err
		}
		if err := store.SetThreshold(ctx, key, value); err != nil {
			return sum, fmt.Errorf("threshold %s: %w", key, err)
		}
		sum.Thresholds++
	}

	for i := range fx.Templates {
		t := fx.Templates[i]
		_, err := store.GetTemplate(ctx, t.TemplateID)
		switch {
		case err == nil:
			logger.Info("template exists, skipping", "template_id", t.TemplateID)
			continue
		case !errors.Is(err, repository.ErrNotFound):
			return sum, err
		}
		if t.CreatedBy == "" {
			t.CreatedBy = "seed"
		}
		if err := store.SaveTemplate(ctx, &t); err != nil {
			return sum, fmt.Errorf("template %s: %w", t.TemplateID, err)
		}
		logger.Info("template created", "template_id", t.TemplateID, "version", t.Version)
		sum.Templates++
	}

	for i := range fx.Modifications {
		m := fx.Modifications[i]
		if err := m.Validate(); err != nil {
			return sum, fmt.Errorf("modification %s: %w", m.ID, err)
		}
		if err := eval.Check(m.Condition); err != nil {
			return sum, fmt.Errorf("modification %s: %w", m.ID, err)
		}
		err := store.SaveModification(ctx, &m)
		if errors.Is(err, repository.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("modification %s: %w", m.ID, err)
		}
		sum.Modifications++
	}

	for _, snap := range fx.Snapshots {
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			return sum, fmt.Errorf("snapshot %s: %w", snap.ID(), err)
		}
		sum.Snapshots++
	}

	logger.Info("seed complete",
		"companies", sum.Companies,
		"templates", sum.Templates,
		"modifications", sum.Modifications,
	)
	return sum, nil
}
