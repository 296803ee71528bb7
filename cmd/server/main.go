package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"cs-workflows/backend/internal/api"
	"cs-workflows/backend/internal/auth"
	"cs-workflows/backend/internal/config"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/mcp"
	devtls "cs-workflows/backend/internal/tls"
)

const version = "1.0.0"

type options struct {
	configPath string
	lite       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "workflows",
		Short:        "Customer workflow service",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: config.yaml in . or ./config)")
	root.PersistentFlags().BoolVar(&opts.lite, "lite", false, "Run without Postgres, keeping state in memory")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and MCP server (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Wake due snoozed executions once and print the report",
			RunE: func(cmd *cobra.Command, args []string) error {
				return sweepOnce(cmd.Context(), opts)
			},
		},
	)
	return root
}

func load(opts *options) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if opts.lite {
		cfg.Server.Lite = true
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	logger.Info("Configuration loaded",
		"config_file", cfg.Source,
		"environment", cfg.Environment,
		"lite", cfg.Server.Lite,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)
	return cfg, logger, nil
}

func sweepOnce(ctx context.Context, opts *options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	report, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func serve(ctx context.Context, opts *options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID. PKCE from Swagger UI fails if the backend app requires a secret.")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	authz, err := auth.New(ctx, cfg, a.store, logger.Component("auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := newEcho(cfg, logger)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	srv := api.NewServer(a.store, a.workflows, a.machine, a.cache,
		api.WithSnapshots(a.snapshots),
		api.WithConditions(a.conditions),
		api.WithSweeper(a.sweeper),
		api.WithLogger(logger),
	)
	e.GET("/health", srv.HandleHealth)
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	srv.RegisterRoutes(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(a.workflows, a.machine, a.sweeper, a.snapshots, logger)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID, auth.AllScopes)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	if cfg.Sweep.Enabled {
		go func() {
			if err := a.sweeper.Run(ctx); err != nil {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		if err := ensureCert(cfg, logger); err != nil {
			serverErrors <- err
			return
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func newEcho(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Observability.Enabled {
		e.Use(otelecho.Middleware(cfg.Observability.ServiceName))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				logger.Warn("request failed", append(args, "error", v.Error)...)
				return nil
			}
			logger.Info("request", args...)
			return nil
		},
	}))
	return e
}

// ensureCert checks the TLS settings and creates a self-signed pair when
// hostnames are configured.
func ensureCert(cfg *config.Config, logger *logging.Logger) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return fmt.Errorf("TLS enabled but cert/key file not provided")
	}
	if len(cfg.TLS.Hostnames) == 0 {
		return nil
	}
	created, err := devtls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
	if err != nil {
		return fmt.Errorf("failed to generate self-signed cert: %w", err)
	}
	if created {
		logger.Info("generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
	}
	return nil
}
