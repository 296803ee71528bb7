//go:build property
// +build property

package hydrate_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/pkg/models"
)

// Property: Render(s) == s for any s without markup.
func TestRenderPlainTextUnchanged(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	h := hydrate.New()

	properties.Property("strings without markup pass through", prop.ForAll(
		func(s string) bool {
			if strings.Contains(s, "{{") {
				return true
			}
			out, err := h.Render(s, models.Snapshot{"name": "Globex"})
			return err == nil && out == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// Property: Render(Render(t)) == Render(t) whatever the data contains.
func TestRenderIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	h := hydrate.New()

	properties.Property("rendering rendered output is a no-op", prop.ForAll(
		func(name, note, brace string, risk float64) bool {
			snap := models.Snapshot{
				"name":   name,
				"note":   "{{" + note,
				"brace":  brace,
				"scores": map[string]any{"risk": risk},
			}
			src := "Hi {{name}}. {{#if scores.risk > 60}}At risk: {{note}}{{else}}{{default(note, 'ok')}}{{/if}} ({{scores.risk}})" +
				" {{brace}}{name}} {{brace}}{{brace}}"
			once, err := h.Render(src, snap)
			if err != nil {
				return false
			}
			twice, err := h.Render(once, snap)
			return err == nil && twice == once
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.OneConstOf("", "{", "{{", "x{", "}}"),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
