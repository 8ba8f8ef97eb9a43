package template

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func exprCtx() map[string]any {
	return map[string]any{
		"zone": map[string]any{
			"serviceable": true,
			"zone_id":     "Z1",
		},
		"search_results": map[string]any{
			"items": []any{"a", "b"},
			"total": 2.0,
		},
		"nlu": map[string]any{
			"intent":     "order_food",
			"confidence": 0.82,
		},
		"_last_user_message": "send a parcel please",
		"modules":            []any{"food", "parcel"},
	}
}

func TestEvaluateComparisons(t *testing.T) {
	ctx := exprCtx()

	cases := map[string]bool{
		`zone.serviceable == true`:                       true,
		`zone.zone_id == 'Z1'`:                           true,
		`zone.zone_id != 'Z2'`:                           true,
		`nlu.confidence >= 0.65`:                         true,
		`nlu.confidence < 0.5`:                           false,
		`search_results.total > 0`:                       true,
		`search_results.total == 2`:                      true,
		`nlu.intent == 'order_food' && zone.serviceable`: true,
		`nlu.intent == 'x' || search_results.total > 1`:  true,
		`!(zone.serviceable)`:                            false,
		`'parcel' in modules`:                            true,
		`'grocery' in modules`:                           false,
		`'parcel' in _last_user_message`:                 true,
		`_last_user_message.includes('parcel')`:          true,
		`_last_user_message.includes('pizza')`:           false,
		`modules.includes('food')`:                       true,
	}
	for expr, want := range cases {
		assert.Equal(t, want, Evaluate(expr, ctx), "expr: %s", expr)
	}
}

func TestEvaluateOptionalChaining(t *testing.T) {
	ctx := exprCtx()

	assert.True(t, Evaluate(`zone?.zone_id == 'Z1'`, ctx))
	assert.False(t, Evaluate(`order?.result?.id == 'x'`, ctx))
	// Absent path is falsy, so its negation holds.
	assert.True(t, Evaluate(`!order?.result`, ctx))
}

func TestEvaluateTruthiness(t *testing.T) {
	ctx := exprCtx()

	assert.True(t, Evaluate(`zone.zone_id`, ctx))
	assert.True(t, Evaluate(`search_results.items`, ctx))
	assert.False(t, Evaluate(`missing.path`, ctx))
	assert.False(t, Evaluate(``, ctx))
}

func TestEvaluateErrorsYieldFalse(t *testing.T) {
	ctx := exprCtx()

	// Malformed expressions must never panic, only evaluate to false.
	for _, expr := range []string{
		`zone.zone_id ==`,
		`== true`,
		`zone.zone_id = 'Z1'`,
		`(zone.serviceable`,
		`zone.zone_id in`,
		`&& true`,
		`"unterminated`,
		`a.b.includes(`,
		`5 < 'abc'`,
		`true in 5`,
	} {
		assert.False(t, Evaluate(expr, ctx), "expr: %s", expr)
	}
}

func TestValidateExpression(t *testing.T) {
	assert.NoError(t, ValidateExpression(`a.b == 'x' && (c > 1 || !d)`))
	assert.NoError(t, ValidateExpression(`items.includes('x')`))
	assert.NoError(t, ValidateExpression(`'x' in items`))
	assert.Error(t, ValidateExpression(`a = b`))
	assert.Error(t, ValidateExpression(`a.b ==`))
	assert.Error(t, ValidateExpression(`(a`))
	assert.Error(t, ValidateExpression(`a; b`))
}

// TestEvaluateTotalityProperty fuzzes the evaluator with arbitrary strings:
// for every input it must return a bool without panicking.
func TestEvaluateTotalityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	ctx := exprCtx()

	properties.Property("evaluation never panics on arbitrary input", prop.ForAll(
		func(expr string) bool {
			_ = Evaluate(expr, ctx)
			return true
		},
		gen.AnyString(),
	))

	properties.Property("evaluation never panics on operator soup", prop.ForAll(
		func(parts []string) bool {
			expr := ""
			for _, p := range parts {
				expr += p + " "
			}
			_ = Evaluate(expr, ctx)
			return true
		},
		gen.SliceOf(gen.OneConstOf(
			"zone.zone_id", "==", "!=", "&&", "||", "!", "(", ")",
			"'Z1'", "5", "in", "modules", ".", "includes", "?.",
		)),
	))

	properties.TestingRun(t)
}

// TestInterpolateSafetyProperty: random configs against random contexts never
// fail, and unresolvable placeholders become empty strings.
func TestInterpolateSafetyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("interpolate never panics", prop.ForAll(
		func(key, path, filler string) bool {
			cfg := map[string]any{
				key: "x {{" + path + "}} " + filler,
				"nested": []any{
					"{{" + path + "}}",
					map[string]any{"deep": "{{" + key + "}}"},
				},
			}
			ctx := map[string]any{key: filler}
			_ = Interpolate(cfg, ctx)
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
