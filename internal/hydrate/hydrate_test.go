package hydrate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/pkg/models"
)

func customer() models.Snapshot {
	return models.Snapshot{
		"id":         "cust-42",
		"company_id": "acme",
		"name":       "Globex",
		"account":    map[string]any{"plan": "invest", "enterprise": true, "trial": false},
		"financial":  map[string]any{"arr": 200000.0, "revenue_tier": 3},
		"scores":     map[string]any{"risk": 64.0, "usage": 37.5},
		"contacts": []any{
			map[string]any{"name": "Ada", "role": "CTO"},
			map[string]any{"name": "Linus", "role": "VP Eng"},
		},
		"tags": []any{"beta", "emea"},
	}
}

func TestRender(t *testing.T) {
	h := New()

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"plain text", "Call the customer", "Call the customer"},
		{"path", "Hello {{name}}", "Hello Globex"},
		{"nested path with spaces", "Plan: {{ account.plan }}", "Plan: invest"},
		{"missing path renders empty", "[{{contract.renewal_id}}]", "[]"},
		{"index into list", "{{contacts.1.name}}", "Linus"},
		{"whole number", "ARR {{financial.arr}}", "ARR 200000"},
		{"fraction", "{{scores.usage}}", "37.5"},
		{"boolean", "{{account.enterprise}}", "true"},
		{"percent adjustment", "{{percent(financial.arr, 10)}}", "220000"},
		{"negative percent", "{{percent(financial.arr, -25)}}", "150000"},
		{"arithmetic", "{{add(mul(financial.revenue_tier, 5), 1)}}", "16"},
		{"round", "{{round(div(scores.usage, 7), 2)}}", "5.36"},
		{"division by zero", "[{{div(scores.risk, 0)}}]", "[]"},
		{"default on missing", "{{default(contract.owner, 'unassigned')}}", "unassigned"},
		{"default keeps value", "{{default(name, 'unknown')}}", "Globex"},
		{"if true", "{{#if scores.risk > 60}}at risk{{/if}}", "at risk"},
		{"if false with else", "{{#if scores.risk > 90}}critical{{else}}watch{{/if}}", "watch"},
		{"if helper", "{{#if gte(scores.risk, 64)}}yes{{/if}}", "yes"},
		{"if lte helper", "{{#if lte(scores.risk, 63)}}yes{{else}}no{{/if}}", "no"},
		{"negation", "{{#if !account.trial}}paid{{/if}}", "paid"},
		{"equality", "{{#if account.plan == 'invest'}}strategic{{/if}}", "strategic"},
		{"inequality", `{{#if account.plan != "expand"}}other{{/if}}`, "other"},
		{"conjunction", "{{#if account.enterprise && scores.risk >= 60}}escalate{{/if}}", "escalate"},
		{"disjunction with parens", "{{#if (scores.risk < 10) || account.trial}}x{{else}}y{{/if}}", "y"},
		{"missing field is falsy", "{{#if contract.renewal_id}}renewal{{else}}none{{/if}}", "none"},
		{"each with index and this", "{{#each contacts}}{{@index}}:{{this.name}} {{/each}}", "0:Ada 1:Linus "},
		{"each sees outer scope", "{{#each contacts}}{{name}}@{{@root.name}};{{/each}}", "Ada@Globex;Linus@Globex;"},
		{"each falls back to snapshot", "{{#each tags}}{{this}}-{{account.plan}} {{/each}}", "beta-invest emea-invest "},
		{"each over missing list", "[{{#each nothing}}x{{/each}}]", "[]"},
		{"nested blocks", "{{#each contacts}}{{#if this.role == 'CTO'}}{{this.name}}{{/if}}{{/each}}", "Ada"},
		{"string compared to number", "{{#if '70' > 8}}numeric{{/if}}", "numeric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Render(tt.src, customer())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_SyntaxErrors(t *testing.T) {
	h := New()

	tests := []struct {
		name string
		src  string
	}{
		{"unclosed tag", "Hello {{name"},
		{"unclosed if", "{{#if scores.risk > 1}}x"},
		{"stray close", "x{{/if}}"},
		{"mismatched close", "{{#if name}}x{{/each}}"},
		{"else outside if", "{{else}}"},
		{"double else", "{{#if name}}a{{else}}b{{else}}c{{/if}}"},
		{"unknown block", "{{#with account}}x{{/with}}"},
		{"unknown helper", "{{exec('rm -rf /')}}"},
		{"wrong arity", "{{percent(financial.arr)}}"},
		{"dangling operator", "{{scores.risk >}}"},
		{"unterminated string", "{{default(name, 'x)}}"},
		{"empty if", "{{#if}}x{{/if}}"},
		{"bad character", "{{name; drop}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Render(tt.src, customer())
			assert.ErrorIs(t, err, ErrTemplateSyntax)
		})
	}
}

func TestRender_DataCannotInjectMarkup(t *testing.T) {
	h := New()
	snap := models.Snapshot{"name": "{{secret}}", "secret": "s3cret"}

	got, err := h.Render("Hi {{name}}", snap)
	require.NoError(t, err)
	assert.NotContains(t, got, "s3cret")
	assert.NotContains(t, got, "{{")

	again, err := h.Render(got, snap)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestRender_ValuesCannotCompleteMarkupWithText(t *testing.T) {
	h := New()
	tests := []struct {
		name string
		src  string
		snap models.Snapshot
	}{
		{"value ends in brace", "{{name}}{b}}", models.Snapshot{"name": "{", "b": "x"}},
		{"string literal brace", "x{{ '{' }}{b}}", models.Snapshot{"b": "x"}},
		{"brace values side by side", "{{l}}{{l}}b}}", models.Snapshot{"l": "{", "b": "x"}},
		{"value opens a tag", "{{l}}{b}} and {{l}}{{l}}", models.Snapshot{"l": "{", "b": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once, err := h.Render(tt.src, tt.snap)
			require.NoError(t, err)
			assert.NotContains(t, once, "{{")
			twice, err := h.Render(once, tt.snap)
			require.NoError(t, err)
			assert.Equal(t, once, twice)
		})
	}

	got, err := h.Render("{{name}}{b}}", models.Snapshot{"name": "{", "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, "{ {b}}", got)
}

func nestedSections(depth int) models.Node {
	var n models.Node = models.TextNode{Text: "leaf for {{name}}"}
	for i := 1; i < depth; i++ {
		n = models.SectionNode{Heading: "level", Children: []models.Node{n}}
	}
	return n
}

func TestHydrate_DepthGuard(t *testing.T) {
	h := New()
	snap := customer()

	ok := &models.CompiledDefinition{Artifacts: []models.Artifact{{ID: "a", Content: nestedSections(DefaultMaxDepth)}}}
	_, err := h.Hydrate(ok, snap)
	require.NoError(t, err)

	deep := &models.CompiledDefinition{Artifacts: []models.Artifact{{ID: "a", Content: nestedSections(DefaultMaxDepth + 1)}}}
	_, err = h.Hydrate(deep, snap)
	assert.ErrorIs(t, err, ErrTemplateDepthExceeded)

	shallow := New(WithMaxDepth(3))
	_, err = shallow.Hydrate(ok, snap)
	assert.ErrorIs(t, err, ErrTemplateDepthExceeded)
}

func TestRender_DepthGuard(t *testing.T) {
	h := New(WithMaxDepth(4))

	blocks := strings.Repeat("{{#if true}}", 5) + "x" + strings.Repeat("{{/if}}", 5)
	_, err := h.Render(blocks, customer())
	assert.ErrorIs(t, err, ErrTemplateDepthExceeded)

	parens := "{{" + strings.Repeat("(", 10) + "1" + strings.Repeat(")", 10) + "}}"
	_, err = h.Render(parens, customer())
	assert.ErrorIs(t, err, ErrTemplateDepthExceeded)

	fits := strings.Repeat("{{#if true}}", 4) + "x" + strings.Repeat("{{/if}}", 4)
	got, err := h.Render(fits, customer())
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func testDefinition() *models.CompiledDefinition {
	return &models.CompiledDefinition{
		TemplateID:      "risk-playbook",
		TemplateVersion: 2,
		Name:            "Risk review for {{name}}",
		Category:        models.CategoryRisk,
		CustomerID:      "cust-42",
		Steps: []models.Step{
			{ID: "s1", Title: "Call {{name}}", Payload: models.PromptPayload{Text: "Risk is {{scores.risk}}"}},
			{ID: "s2", Title: "Prep", Payload: models.ChecklistPayload{Items: []string{"Review {{account.plan}} plan", "static"}}},
			{ID: "s3", Title: "Email", Payload: models.ActionPayload{ActionType: "email", Description: "Send to {{contacts.0.name}}"}},
			{ID: "s4", Title: "Decide", Payload: models.DecisionPayload{
				Question: "{{#if scores.risk > 60}}Escalate {{name}}?{{else}}Monitor?{{/if}}",
				Options:  []string{"yes", "no"},
			}},
		},
		Artifacts: []models.Artifact{{
			ID: "brief", Title: "Brief: {{name}}", Kind: "document",
			Content: models.SectionNode{Heading: "Contacts at {{name}}", Children: []models.Node{
				models.ListNode{Items: []models.Node{
					models.TextNode{Text: "{{#each contacts}}{{this.name}} ({{this.role}}){{/each}}"},
					models.ListNode{Items: []models.Node{models.TextNode{Text: "ARR {{financial.arr}}"}}},
				}},
			}},
		}},
		Applied: []models.AppliedModification{{ModificationID: "m1", Scope: models.ScopeGlobal, Operation: models.OpInsertStep, Effect: models.EffectApplied}},
	}
}

func TestHydrate(t *testing.T) {
	h := New()
	def := testDefinition()
	before, err := json.Marshal(def)
	require.NoError(t, err)

	out, err := h.Hydrate(def, customer())
	require.NoError(t, err)

	assert.Equal(t, "Risk review for Globex", out.Name)
	assert.Equal(t, "Call Globex", out.Steps[0].Title)
	assert.Equal(t, models.PromptPayload{Text: "Risk is 64"}, out.Steps[0].Payload)
	assert.Equal(t, models.ChecklistPayload{Items: []string{"Review invest plan", "static"}}, out.Steps[1].Payload)
	assert.Equal(t, models.ActionPayload{ActionType: "email", Description: "Send to Ada"}, out.Steps[2].Payload)
	assert.Equal(t, "Escalate Globex?", out.Steps[3].Payload.(models.DecisionPayload).Question)
	assert.Equal(t, "Brief: Globex", out.Artifacts[0].Title)

	section := out.Artifacts[0].Content.(models.SectionNode)
	assert.Equal(t, "Contacts at Globex", section.Heading)
	list := section.Children[0].(models.ListNode)
	assert.Equal(t, models.TextNode{Text: "Ada (CTO)Linus (VP Eng)"}, list.Items[0])
	assert.Equal(t, models.ListNode{Items: []models.Node{models.TextNode{Text: "ARR 200000"}}}, list.Items[1])
	assert.Equal(t, def.Applied, out.Applied)

	after, err := json.Marshal(def)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "input must not be modified")
}

func TestHydrate_Idempotent(t *testing.T) {
	h := New()
	snap := customer()

	first, err := h.Hydrate(testDefinition(), snap)
	require.NoError(t, err)

	second, err := h.Hydrate((*models.CompiledDefinition)(first), snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHydrate_SyntaxErrorAbortsDefinition(t *testing.T) {
	def := testDefinition()
	def.Steps[1].Title = "{{#if name}}unclosed"

	_, err := New().Hydrate(def, customer())
	assert.ErrorIs(t, err, ErrTemplateSyntax)
}
