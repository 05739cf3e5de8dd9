package compliance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerage/compliance-engine/internal/models"
)

func evalCtx(ruleType string, conditions models.JSONList, fields map[string]interface{}) *EvalContext {
	return &EvalContext{
		Rule: &models.Rule{
			Name:       "test rule",
			Type:       ruleType,
			Conditions: conditions,
		},
		Fields: fields,
	}
}

func TestThresholdEvaluatorRequiresAllConditions(t *testing.T) {
	conditions := models.JSONList{
		{"field": "order_value", "operator": ">", "value": 100000},
		{"field": "leverage", "operator": ">=", "value": 4},
	}
	ev := &thresholdEvaluator{}

	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypeThreshold, conditions, map[string]interface{}{
		"order_value": 250000.0,
		"leverage":    4.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), evalCtx(models.RuleTypeThreshold, conditions, map[string]interface{}{
		"order_value": 250000.0,
		"leverage":    2.0,
	}))
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestThresholdComparisonIsStrict(t *testing.T) {
	conditions := models.JSONList{
		{"field": "order_value", "operator": ">", "value": 100000},
	}
	ev := &thresholdEvaluator{}

	// value exactly at the threshold does not fire
	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypeThreshold, conditions, map[string]interface{}{
		"order_value": 100000.0,
	}))
	require.NoError(t, err)
	assert.False(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), evalCtx(models.RuleTypeThreshold, conditions, map[string]interface{}{
		"order_value": 100000.01,
	}))
	require.NoError(t, err)
	assert.True(t, res.Violated)
}

func TestThresholdMissingFieldIsNoSignal(t *testing.T) {
	conditions := models.JSONList{
		{"field": "order_value", "operator": ">", "value": 100000},
	}
	ev := &thresholdEvaluator{}

	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypeThreshold, conditions, map[string]interface{}{}))
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestPatternEvaluatorFiresOnAnyMatch(t *testing.T) {
	conditions := models.JSONList{
		{"field": "cancel_ratio", "operator": ">", "value": 0.9},
		{"field": "order_bursts", "operator": ">", "value": 10},
	}
	ev := &patternEvaluator{}

	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypePattern, conditions, map[string]interface{}{
		"cancel_ratio": 0.95,
		"order_bursts": 2,
	}))
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), evalCtx(models.RuleTypePattern, conditions, map[string]interface{}{
		"cancel_ratio": 0.5,
		"order_bursts": 2,
	}))
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestBehavioralEvaluatorMajorityRule(t *testing.T) {
	conditions := models.JSONList{
		{"field": "a", "operator": ">", "value": 1},
		{"field": "b", "operator": ">", "value": 1},
		{"field": "c", "operator": ">", "value": 1},
	}
	ev := &behavioralEvaluator{}

	// 2 of 3 is a majority
	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypeBehavioral, conditions, map[string]interface{}{
		"a": 5.0, "b": 5.0, "c": 0.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.Violated)
	assert.InDelta(t, 2.0/3.0, res.Details["match_ratio"], 1e-9)

	// exactly half is not
	half := models.JSONList{
		{"field": "a", "operator": ">", "value": 1},
		{"field": "b", "operator": ">", "value": 1},
	}
	res, err = ev.Evaluate(context.Background(), evalCtx(models.RuleTypeBehavioral, half, map[string]interface{}{
		"a": 5.0, "b": 0.0,
	}))
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestRegulatoryEvaluatorRequiresCompleteData(t *testing.T) {
	conditions := models.JSONList{
		{"field": "reported", "operator": "=", "value": false},
		{"field": "days_overdue", "operator": ">", "value": 0},
	}
	ev := &regulatoryEvaluator{}

	// one referenced field absent means no signal even if the rest match
	res, err := ev.Evaluate(context.Background(), evalCtx(models.RuleTypeRegulatory, conditions, map[string]interface{}{
		"days_overdue": 12.0,
	}))
	require.NoError(t, err)
	assert.False(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), evalCtx(models.RuleTypeRegulatory, conditions, map[string]interface{}{
		"reported":     false,
		"days_overdue": 12.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.Violated)
}

func TestCompareOperators(t *testing.T) {
	assert.True(t, compare(5.0, ">", 4))
	assert.False(t, compare(5.0, ">", 5))
	assert.True(t, compare(5.0, ">=", 5))
	assert.True(t, compare(3, "<", 4.5))
	assert.True(t, compare(4.5, "<=", 4.5))
	assert.True(t, compare("limit", "=", "limit"))
	assert.True(t, compare(true, "==", true))
	assert.True(t, compare(5, "!=", 6))
	assert.False(t, compare(5, "between", 6))
	assert.False(t, compare("abc", ">", 1))
}

func TestRegistryLifecycle(t *testing.T) {
	registry := NewRegistry()

	for _, key := range []string{
		BuiltinPDTCheck,
		BuiltinWashSaleCheck,
		BuiltinPositionLimitCheck,
		BuiltinConcentrationCheck,
		BuiltinVolatilityCheck,
	} {
		_, ok := registry.Get(key)
		assert.True(t, ok, key)
	}

	rule := &models.Rule{ID: uuid.New(), Type: models.RuleTypePattern}
	registry.RegisterRule(rule)
	ev, ok := registry.Get(rule.ID.String())
	require.True(t, ok)
	assert.IsType(t, &patternEvaluator{}, ev)

	registry.ResetRules()
	_, ok = registry.Get(rule.ID.String())
	assert.False(t, ok)
	_, ok = registry.Get(BuiltinPDTCheck)
	assert.True(t, ok)

	registry.RegisterRule(rule)
	registry.RemoveRule(rule.ID)
	_, ok = registry.Get(rule.ID.String())
	assert.False(t, ok)
}

func TestPDTEvaluator(t *testing.T) {
	ev := &pdtEvaluator{}

	res, err := ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"day_trades_5d":  4,
		"account_equity": 20000.0,
	}})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	// three day trades is within the allowance
	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"day_trades_5d":  3,
		"account_equity": 20000.0,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)

	// funded accounts are exempt
	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"day_trades_5d":  10,
		"account_equity": 30000.0,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)

	// missing equity is no signal
	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"day_trades_5d": 10,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestWashSaleEvaluator(t *testing.T) {
	ev := &washSaleEvaluator{}

	res, err := ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"realized_loss":          1500.0,
		"repurchased_within_30d": true,
	}})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"realized_loss":          1500.0,
		"repurchased_within_30d": false,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)

	// gains cannot wash
	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"realized_loss":          -200.0,
		"repurchased_within_30d": true,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestPositionLimitEvaluator(t *testing.T) {
	ev := &positionLimitEvaluator{}

	res, err := ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"position_quantity": 12000.0,
		"position_limit":    10000.0,
	}})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"position_quantity": 10000.0,
		"position_limit":    10000.0,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestConcentrationEvaluatorDefaultCeiling(t *testing.T) {
	ev := &concentrationEvaluator{}

	res, err := ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"max_position_weight": 0.30,
	}})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"max_position_weight": 0.30,
		"concentration_limit": 0.40,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)
}

func TestVolatilityEvaluatorDefaultCeiling(t *testing.T) {
	ev := &volatilityEvaluator{}

	res, err := ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"symbol_volatility": 0.75,
	}})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	res, err = ev.Evaluate(context.Background(), &EvalContext{Rule: &models.Rule{}, Fields: map[string]interface{}{
		"symbol_volatility": 0.55,
	}})
	require.NoError(t, err)
	assert.False(t, res.Violated)
}
