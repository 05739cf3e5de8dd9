package compliance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/internal/models"
)

// Checker runs stored rules through their evaluators and opens
// violations for the ones that fire. Evaluator failures are contained
// per rule so a sweep over many rules survives any single bad one.
type Checker struct {
	store      *RuleStore
	registry   *Registry
	violations *ViolationManager
}

// NewChecker creates a checker over the store, registry and violation
// manager.
func NewChecker(store *RuleStore, registry *Registry, violations *ViolationManager) *Checker {
	return &Checker{store: store, registry: registry, violations: violations}
}

// CheckRule evaluates one stored rule against the ambient fields. A
// missing or inactive rule is a no-op. Evaluator errors and panics are
// logged and swallowed; a violated result opens a violation.
func (c *Checker) CheckRule(ctx context.Context, ruleID uuid.UUID, userID, portfolioID string, fields map[string]interface{}) {
	rule, err := c.store.GetRule(ruleID)
	if err != nil || rule.Status != models.RuleStatusActive {
		return
	}

	evaluator, ok := c.registry.Get(rule.ID.String())
	if !ok {
		return
	}

	result, err := c.safeEvaluate(ctx, evaluator, &EvalContext{
		Rule:        rule,
		UserID:      userID,
		PortfolioID: portfolioID,
		Fields:      fields,
	})
	if err != nil {
		evalErr := &models.EvaluationError{Unit: rule.ID.String(), Err: err}
		log.Warn().Err(evalErr).Str("rule_id", rule.ID.String()).Msg("Rule evaluation failed")
		return
	}
	if !result.Violated {
		return
	}

	_, err = c.violations.CreateViolation(ctx, rule.ID, CreateViolationInput{
		Description: result.Description,
		Details:     result.Details,
		UserID:      userID,
		PortfolioID: portfolioID,
	})
	if err != nil {
		// Lookup/persistence failures inside a sweep are logged and
		// skipped so the remaining rules still run.
		log.Error().Err(err).Str("rule_id", rule.ID.String()).Msg("Failed to record violation")
	}
}

// CheckActiveRules sweeps every active cached rule in priority order.
func (c *Checker) CheckActiveRules(ctx context.Context, userID, portfolioID string, fields map[string]interface{}) {
	for _, rule := range c.store.GetRules("", models.RuleStatusActive) {
		c.CheckRule(ctx, rule.ID, userID, portfolioID, fields)
	}
}

// CheckBuiltin evaluates one of the fixed platform-wide checks and
// returns its result. Built-ins have no backing rule row, so a firing
// check is reported to the caller instead of opening a violation.
func (c *Checker) CheckBuiltin(ctx context.Context, key, userID, portfolioID string, fields map[string]interface{}) (*Result, error) {
	evaluator, ok := c.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("unknown built-in check %q", key)
	}

	return c.safeEvaluate(ctx, evaluator, &EvalContext{
		Rule:        &models.Rule{Name: key},
		UserID:      userID,
		PortfolioID: portfolioID,
		Fields:      fields,
	})
}

func (c *Checker) safeEvaluate(ctx context.Context, evaluator Evaluator, ec *EvalContext) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return evaluator.Evaluate(ctx, ec)
}
