package compliance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/models"
)

// countingEvaluator records invocations; optionally panics.
type countingEvaluator struct {
	calls    int
	violated bool
	panics   bool
}

func (e *countingEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	e.calls++
	if e.panics {
		panic("boom")
	}
	if e.violated {
		return &Result{Violated: true, Description: ec.Rule.Name}, nil
	}
	return &Result{}, nil
}

func newTestChecker(t *testing.T) (*Checker, *RuleStore, *Registry, *mockViolationRepo) {
	t.Helper()
	ruleRepo := newMockRuleRepo()
	registry := NewRegistry()
	bus := events.NewBus(8)
	store := NewRuleStore(ruleRepo, registry, bus)
	violationRepo := newMockViolationRepo()
	manager := NewViolationManager(violationRepo, store, bus, nil)
	return NewChecker(store, registry, manager), store, registry, violationRepo
}

func TestCheckRuleOpensViolation(t *testing.T) {
	checker, store, _, violationRepo := newTestChecker(t)
	ctx := context.Background()

	in := validInput("large order")
	in.Conditions = models.JSONList{
		{"field": "order_value", "operator": ">", "value": 100000},
	}
	rule, err := store.CreateRule(ctx, in, "officer-1")
	require.NoError(t, err)

	checker.CheckRule(ctx, rule.ID, "user-1", "pf-1", map[string]interface{}{
		"order_value": 250000.0,
	})

	violationRepo.mu.Lock()
	require.Len(t, violationRepo.violations, 1)
	for _, v := range violationRepo.violations {
		assert.Equal(t, rule.ID, v.RuleID)
		assert.Equal(t, "user-1", v.UserID)
		assert.Equal(t, models.ViolationStatusOpen, v.Status)
	}
	violationRepo.mu.Unlock()
}

func TestCheckRuleBelowThresholdIsQuiet(t *testing.T) {
	checker, store, _, violationRepo := newTestChecker(t)
	ctx := context.Background()

	rule, err := store.CreateRule(ctx, validInput("large transfers"), "officer-1")
	require.NoError(t, err)

	checker.CheckRule(ctx, rule.ID, "user-1", "pf-1", map[string]interface{}{
		"amount": 500.0,
	})

	violationRepo.mu.Lock()
	assert.Empty(t, violationRepo.violations)
	violationRepo.mu.Unlock()
}

func TestCheckRuleSkipsInactiveRule(t *testing.T) {
	checker, store, registry, violationRepo := newTestChecker(t)
	ctx := context.Background()

	rule, err := store.CreateRule(ctx, validInput("large transfers"), "officer-1")
	require.NoError(t, err)

	inactive := models.RuleStatusInactive
	_, err = store.UpdateRule(ctx, rule.ID, RulePatch{Status: &inactive}, "officer-1")
	require.NoError(t, err)

	// swap in a spy so an invocation would be visible
	spy := &countingEvaluator{violated: true}
	registry.mu.Lock()
	registry.evaluators[rule.ID.String()] = spy
	registry.mu.Unlock()

	checker.CheckRule(ctx, rule.ID, "user-1", "pf-1", map[string]interface{}{
		"amount": 999999.0,
	})

	assert.Equal(t, 0, spy.calls)
	violationRepo.mu.Lock()
	assert.Empty(t, violationRepo.violations)
	violationRepo.mu.Unlock()
}

func TestCheckRuleUnknownRuleIsNoop(t *testing.T) {
	checker, _, _, violationRepo := newTestChecker(t)

	checker.CheckRule(context.Background(), uuid.New(), "user-1", "pf-1", map[string]interface{}{
		"amount": 999999.0,
	})

	violationRepo.mu.Lock()
	assert.Empty(t, violationRepo.violations)
	violationRepo.mu.Unlock()
}

func TestCheckRuleContainsEvaluatorPanic(t *testing.T) {
	checker, store, registry, violationRepo := newTestChecker(t)
	ctx := context.Background()

	rule, err := store.CreateRule(ctx, validInput("r"), "officer-1")
	require.NoError(t, err)

	spy := &countingEvaluator{panics: true}
	registry.mu.Lock()
	registry.evaluators[rule.ID.String()] = spy
	registry.mu.Unlock()

	assert.NotPanics(t, func() {
		checker.CheckRule(ctx, rule.ID, "user-1", "pf-1", map[string]interface{}{"amount": 1.0})
	})
	assert.Equal(t, 1, spy.calls)
	violationRepo.mu.Lock()
	assert.Empty(t, violationRepo.violations)
	violationRepo.mu.Unlock()
}

func TestCheckActiveRulesSweepsInPriorityOrder(t *testing.T) {
	checker, store, registry, violationRepo := newTestChecker(t)
	ctx := context.Background()

	var order []string
	mk := func(name string, priority int) *models.Rule {
		in := validInput(name)
		in.Priority = priority
		rule, err := store.CreateRule(ctx, in, "officer-1")
		require.NoError(t, err)
		return rule
	}
	orderedSpy := func(name string) Evaluator {
		return evaluatorFunc(func(_ context.Context, _ *EvalContext) (*Result, error) {
			order = append(order, name)
			return &Result{Violated: true, Description: name}, nil
		})
	}

	low := mk("low", 1)
	high := mk("high", 9)

	registry.mu.Lock()
	registry.evaluators[low.ID.String()] = orderedSpy("low")
	registry.evaluators[high.ID.String()] = orderedSpy("high")
	registry.mu.Unlock()

	checker.CheckActiveRules(ctx, "user-1", "pf-1", map[string]interface{}{})

	assert.Equal(t, []string{"high", "low"}, order)
	violationRepo.mu.Lock()
	assert.Len(t, violationRepo.violations, 2)
	violationRepo.mu.Unlock()
}

func TestCheckBuiltin(t *testing.T) {
	checker, _, _, violationRepo := newTestChecker(t)

	res, err := checker.CheckBuiltin(context.Background(), BuiltinPDTCheck, "user-1", "pf-1", map[string]interface{}{
		"day_trades_5d":  5,
		"account_equity": 10000.0,
	})
	require.NoError(t, err)
	assert.True(t, res.Violated)

	// built-ins report to the caller, never open violations
	violationRepo.mu.Lock()
	assert.Empty(t, violationRepo.violations)
	violationRepo.mu.Unlock()

	_, err = checker.CheckBuiltin(context.Background(), "no_such_check", "user-1", "pf-1", nil)
	assert.Error(t, err)
}

// evaluatorFunc adapts a function to the Evaluator interface.
type evaluatorFunc func(ctx context.Context, ec *EvalContext) (*Result, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, ec *EvalContext) (*Result, error) {
	return f(ctx, ec)
}
