//go:build property
// +build property

package compiler_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/pkg/models"
)

func genModifications(ops []int, targets []int) []models.Modification {
	scopes := []models.Scope{models.ScopeGlobal, models.ScopeCompany, models.ScopeCustomer}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mods []models.Modification
	for i := 0; i < len(ops) && i < len(targets); i++ {
		stepID := fmt.Sprintf("s%d", targets[i]%12)
		var op models.Operation
		switch ops[i] % 4 {
		case 0:
			idx := targets[i] - 3
			op = models.InsertStep{Index: &idx, Steps: []models.Step{{ID: fmt.Sprintf("n%d", i), Title: "n", Payload: models.PromptPayload{Text: "n"}}}}
		case 1:
			op = models.RemoveStep{StepID: stepID}
		case 2:
			op = models.ReplaceStep{StepID: stepID, Step: models.Step{Title: "r", Payload: models.PromptPayload{Text: "r"}}}
		default:
			op = models.AddArtifact{Artifact: models.Artifact{ID: fmt.Sprintf("a%d", targets[i]%3), Kind: "document", Content: models.TextNode{Text: "x"}}}
		}
		scope := scopes[ops[i]%3]
		target := ""
		if scope != models.ScopeGlobal {
			target = "t"
		}
		mods = append(mods, models.Modification{
			ID:        fmt.Sprintf("m%02d", i),
			Scope:     scope,
			AppliesTo: target,
			Operation: op,
			CreatedAt: base.Add(time.Duration(targets[i]%4) * time.Minute),
		})
	}
	return mods
}

func template() *models.Template {
	t := &models.Template{TemplateID: "p", Version: 1, Name: "P", Category: models.CategoryRisk}
	for i := 0; i < 9; i++ {
		t.Steps = append(t.Steps, models.Step{ID: fmt.Sprintf("s%d", i), Title: "s", Payload: models.PromptPayload{Text: "s"}})
	}
	return t
}

// Property: Merge(t, mods) == Merge(t, reverse(mods)) byte for byte.
func TestMergeDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge ignores input order", prop.ForAll(
		func(ops []int, targets []int) bool {
			mods := genModifications(ops, targets)
			reversed := make([]models.Modification, len(mods))
			for i, m := range mods {
				reversed[len(mods)-1-i] = m
			}

			a, errA := json.Marshal(compiler.Merge(template(), "c", mods))
			b, errB := json.Marshal(compiler.Merge(template(), "c", reversed))
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.Property("step ids stay unique", prop.ForAll(
		func(ops []int, targets []int) bool {
			def := compiler.Merge(template(), "c", genModifications(ops, targets))
			seen := map[string]bool{}
			for _, s := range def.Steps {
				if seen[s.ID] {
					return false
				}
				seen[s.ID] = true
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}
