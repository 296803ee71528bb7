package condition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/pkg/models"
)

func testSnapshot() models.Snapshot {
	return models.Snapshot{
		"id":         "cust-1",
		"company_id": "acme",
		"name":       "Globex",
		"account":    map[string]any{"plan": "invest", "enterprise": true},
		"scores":     map[string]any{"risk": 64.0, "opportunity": 40.0},
		"financial":  map[string]any{"revenue_tier": 3},
		"tags":       []any{"beta", "emea"},
	}
}

func TestEvaluate(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty always matches", "", true},
		{"whitespace always matches", "  ", true},
		{"numeric comparison", "customer.scores.risk > 60", true},
		{"double against int literal", "customer.scores.opportunity >= 70", false},
		{"int field against double literal", "customer.financial.revenue_tier >= 2.5", true},
		{"equality", "customer.company_id == 'acme'", true},
		{"set membership", "customer.account.plan in ['invest', 'expand']", true},
		{"list contains", "'emea' in customer.tags", true},
		{"boolean flag", "customer.account.enterprise", true},
		{"negated flag", "!customer.account.enterprise", false},
		{"conjunction", "customer.scores.risk > 60 && customer.name == 'Globex'", true},
		{"conjunction short circuit", "customer.scores.risk > 90 && customer.name == 'Globex'", false},
		{"has guard on missing field", "has(customer.contract) && customer.contract.renewal_id != ''", false},
		{"missing nested key", "customer.contract.renewal_id == 'r1'", false},
		{"missing score", "customer.scores.usage > 10", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, testSnapshot())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", "customer.scores.risk >"},
		{"unknown variable", "account.plan == 'invest'"},
		{"type mismatch", "customer.name > 5"},
		{"non boolean result", "customer.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), tt.expr, testSnapshot())
			assert.ErrorIs(t, err, ErrConditionEval)
		})
	}
}

func TestCheck(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, e.Check(""))
	assert.NoError(t, e.Check("customer.scores.risk > 60"))
	assert.ErrorIs(t, e.Check("customer.scores.risk >"), ErrConditionEval)
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "customer.scores.risk > 60", testSnapshot())
		require.NoError(t, err)
	}
	assert.Len(t, e.programs, 1)
}
