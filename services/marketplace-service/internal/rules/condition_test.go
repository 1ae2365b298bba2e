package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, spec map[string]any) Node {
	t.Helper()
	node, err := ParseCondition(spec)
	require.NoError(t, err)
	return node
}

func TestParseCondition_Empty(t *testing.T) {
	node := mustParse(t, map[string]any{})
	require.True(t, node.Eval(Context{}))

	node = mustParse(t, nil)
	require.True(t, node.Eval(Context{"anything": 1}))
}

func TestParseCondition_Errors(t *testing.T) {
	_, err := ParseCondition(map[string]any{"field": "x"})
	require.Error(t, err)

	_, err = ParseCondition(map[string]any{"field": "x", "op": "~="})
	require.Error(t, err)

	_, err = ParseCondition(map[string]any{"all": "not-a-list"})
	require.Error(t, err)

	_, err = ParseCondition(map[string]any{"any": []any{"leaf"}})
	require.Error(t, err)
}

func TestLeafComparisons(t *testing.T) {
	ctx := Context{
		"appointment": map[string]any{
			"status":        "NEW",
			"total_price":   float64(3500),
			"platform_tags": []any{"vip", "repeat"},
		},
		"client": map[string]any{
			"risk_level": "high",
			"risk_score": 62,
		},
	}

	cases := []struct {
		name string
		spec map[string]any
		want bool
	}{
		{"eq string", map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"}, true},
		{"ne string", map[string]any{"field": "appointment.status", "op": "!=", "value": "PAID"}, true},
		{"gt number", map[string]any{"field": "appointment.total_price", "op": ">", "value": 3000}, true},
		{"le number", map[string]any{"field": "appointment.total_price", "op": "<=", "value": 3499}, false},
		{"mixed numeric types", map[string]any{"field": "client.risk_score", "op": ">=", "value": float64(62)}, true},
		{"in list", map[string]any{"field": "appointment.status", "op": "in", "value": []any{"NEW", "IN_REVIEW"}}, true},
		{"not_in list", map[string]any{"field": "appointment.status", "op": "not_in", "value": []any{"PAID"}}, true},
		{"contains tag", map[string]any{"field": "appointment.platform_tags", "op": "contains", "value": "vip"}, true},
		{"contains missing tag", map[string]any{"field": "appointment.platform_tags", "op": "contains", "value": "fraud"}, false},
		{"missing path", map[string]any{"field": "appointment.missing.deep", "op": "==", "value": 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, mustParse(t, tc.spec).Eval(ctx))
		})
	}
}

// Risk levels are ordinal: high >= medium even though the strings compare
// the other way around.
func TestRiskLevelOrdering(t *testing.T) {
	ctx := Context{"client": map[string]any{"risk_level": "high"}}

	node := mustParse(t, map[string]any{"field": "client.risk_level", "op": ">=", "value": "medium"})
	require.True(t, node.Eval(ctx))

	node = mustParse(t, map[string]any{"field": "client.risk_level", "op": "<", "value": "critical"})
	require.True(t, node.Eval(ctx))

	node = mustParse(t, map[string]any{"field": "client.risk_level", "op": "==", "value": "HIGH"})
	require.True(t, node.Eval(ctx))
}

func TestComposite(t *testing.T) {
	ctx := Context{
		"event":       map[string]any{"event_type": "appointment.created"},
		"appointment": map[string]any{"status": "NEW", "total_price": float64(500)},
	}

	node := mustParse(t, map[string]any{
		"all": []any{
			map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"},
			map[string]any{"field": "appointment.total_price", "op": "<", "value": 1000},
		},
	})
	require.True(t, node.Eval(ctx))

	node = mustParse(t, map[string]any{
		"any": []any{
			map[string]any{"field": "appointment.status", "op": "==", "value": "PAID"},
			map[string]any{"field": "appointment.total_price", "op": ">", "value": 100},
		},
	})
	require.True(t, node.Eval(ctx))

	node = mustParse(t, map[string]any{
		"not": map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"},
	})
	require.False(t, node.Eval(ctx))
}

func TestValidateSpec(t *testing.T) {
	ok := map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"}

	require.NoError(t, ValidateSpec(ok, []map[string]any{{"type": "create_notification", "target": "admins"}}))

	require.Error(t, ValidateSpec(ok, nil), "at least one action required")
	require.Error(t, ValidateSpec(ok, []map[string]any{{"type": "launch_rocket"}}))
	require.Error(t, ValidateSpec(ok, []map[string]any{{"type": "change_status", "to_status": "HALF_DONE"}}))
	require.Error(t, ValidateSpec(ok, []map[string]any{{"type": "assign_tag"}}))
	require.Error(t, ValidateSpec(map[string]any{"field": "x"}, []map[string]any{{"type": "request_admin_attention"}}))
}
