package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/brokerage/compliance-engine/internal/models"
)

// Result is the outcome of one evaluator invocation.
type Result struct {
	Violated    bool
	Description string
	Details     models.JSONB
}

// EvalContext carries the ambient metrics an evaluator compares the
// rule's conditions against. Fields are supplied by upstream
// collaborators (position service, market data); a missing field is
// "no signal", never a violation.
type EvalContext struct {
	Rule        *models.Rule
	UserID      string
	PortfolioID string
	Fields      map[string]interface{}
}

// Evaluator answers "is this rule currently violated?" for a given
// rule and ambient context.
type Evaluator interface {
	Evaluate(ctx context.Context, ec *EvalContext) (*Result, error)
}

// Built-in evaluator keys. These are platform-wide checks that exist
// independently of any stored rule row.
const (
	BuiltinPDTCheck           = "pdt_check"
	BuiltinWashSaleCheck      = "wash_sale_check"
	BuiltinPositionLimitCheck = "position_limit_check"
	BuiltinConcentrationCheck = "concentration_check"
	BuiltinVolatilityCheck    = "volatility_check"
)

// Registry maps evaluator keys to evaluator instances. Per-rule
// entries are keyed by rule id and rebuilt on every rule mutation;
// the five built-in keys are always present.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates a registry pre-populated with the built-in
// platform checks.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[string]Evaluator)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.evaluators[BuiltinPDTCheck] = &pdtEvaluator{}
	r.evaluators[BuiltinWashSaleCheck] = &washSaleEvaluator{}
	r.evaluators[BuiltinPositionLimitCheck] = &positionLimitEvaluator{}
	r.evaluators[BuiltinConcentrationCheck] = &concentrationEvaluator{}
	r.evaluators[BuiltinVolatilityCheck] = &volatilityEvaluator{}
}

// RegisterRule installs (or replaces) the evaluator for a stored rule,
// chosen by the rule's type.
func (r *Registry) RegisterRule(rule *models.Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[rule.ID.String()] = evaluatorForType(rule.Type)
}

// RemoveRule drops a stored rule's evaluator.
func (r *Registry) RemoveRule(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.evaluators, id.String())
}

// ResetRules drops every per-rule evaluator while keeping the
// built-ins. Used by LoadRules before repopulating.
func (r *Registry) ResetRules() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators = make(map[string]Evaluator)
	r.registerBuiltins()
}

// Get returns the evaluator registered under key.
func (r *Registry) Get(key string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[key]
	return ev, ok
}

func evaluatorForType(ruleType string) Evaluator {
	switch ruleType {
	case models.RuleTypeThreshold:
		return &thresholdEvaluator{}
	case models.RuleTypePattern:
		return &patternEvaluator{}
	case models.RuleTypeBehavioral:
		return &behavioralEvaluator{}
	case models.RuleTypeRegulatory:
		return &regulatoryEvaluator{}
	default:
		return &genericEvaluator{}
	}
}

// thresholdEvaluator fires when every condition holds against the
// ambient fields.
type thresholdEvaluator struct{}

func (e *thresholdEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	matched, total := matchConditions(ec.Rule.Conditions, ec.Fields)
	if total == 0 {
		return &Result{}, nil
	}
	if len(matched) == total {
		return violation(ec, fmt.Sprintf("all %d threshold conditions exceeded", total), matched), nil
	}
	return &Result{}, nil
}

// patternEvaluator fires when any condition signature matches.
type patternEvaluator struct{}

func (e *patternEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	matched, _ := matchConditions(ec.Rule.Conditions, ec.Fields)
	if len(matched) > 0 {
		return violation(ec, fmt.Sprintf("%d pattern condition(s) matched", len(matched)), matched), nil
	}
	return &Result{}, nil
}

// behavioralEvaluator fires when more than half of the conditions
// hold, tolerating noise in individual behavioral signals.
type behavioralEvaluator struct{}

func (e *behavioralEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	matched, total := matchConditions(ec.Rule.Conditions, ec.Fields)
	if total == 0 {
		return &Result{}, nil
	}
	ratio := float64(len(matched)) / float64(total)
	if ratio > 0.5 {
		res := violation(ec, fmt.Sprintf("behavioral profile matched %d of %d signals", len(matched), total), matched)
		res.Details["match_ratio"] = ratio
		return res, nil
	}
	return &Result{}, nil
}

// regulatoryEvaluator is a strict AND: every condition must hold and
// every referenced field must be present. Incomplete data means no
// signal rather than a guessed violation.
type regulatoryEvaluator struct{}

func (e *regulatoryEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	for _, cond := range ec.Rule.Conditions {
		field, _ := cond["field"].(string)
		if _, ok := ec.Fields[field]; !ok {
			return &Result{}, nil
		}
	}
	matched, total := matchConditions(ec.Rule.Conditions, ec.Fields)
	if total > 0 && len(matched) == total {
		return violation(ec, "regulatory obligation breached", matched), nil
	}
	return &Result{}, nil
}

// genericEvaluator is the fallback for unrecognized rule types; it
// behaves like a conservative AND over the conditions.
type genericEvaluator struct{}

func (e *genericEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	matched, total := matchConditions(ec.Rule.Conditions, ec.Fields)
	if total > 0 && len(matched) == total {
		return violation(ec, "rule conditions met", matched), nil
	}
	return &Result{}, nil
}

func violation(ec *EvalContext, description string, matched []map[string]interface{}) *Result {
	return &Result{
		Violated:    true,
		Description: fmt.Sprintf("%s: %s", ec.Rule.Name, description),
		Details: models.JSONB{
			"matched_conditions": matched,
			"rule_type":          ec.Rule.Type,
		},
	}
}

// matchConditions evaluates each condition entry ({field, operator,
// value}) against the ambient fields and returns the matched subset
// and the total condition count.
func matchConditions(conditions models.JSONList, fields map[string]interface{}) (matched []map[string]interface{}, total int) {
	for _, cond := range conditions {
		total++
		field, _ := cond["field"].(string)
		operator, _ := cond["operator"].(string)
		actual, ok := fields[field]
		if !ok {
			continue
		}
		if compare(actual, operator, cond["value"]) {
			matched = append(matched, map[string]interface{}{
				"field":    field,
				"operator": operator,
				"expected": cond["value"],
				"actual":   actual,
			})
		}
	}
	return matched, total
}

func compare(actual interface{}, operator string, expected interface{}) bool {
	switch operator {
	case ">":
		return compareFloat(actual, expected, func(a, b float64) bool { return a > b })
	case "<":
		return compareFloat(actual, expected, func(a, b float64) bool { return a < b })
	case ">=":
		return compareFloat(actual, expected, func(a, b float64) bool { return a >= b })
	case "<=":
		return compareFloat(actual, expected, func(a, b float64) bool { return a <= b })
	case "=", "==":
		return compareEqual(actual, expected)
	case "!=":
		return !compareEqual(actual, expected)
	default:
		return false
	}
}

func compareFloat(a, b interface{}, cmp func(float64, float64) bool) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}
	return cmp(aFloat, bFloat)
}

func compareEqual(a, b interface{}) bool {
	if aBool, ok := a.(bool); ok {
		if bBool, ok := b.(bool); ok {
			return aBool == bBool
		}
	}
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if aOk && bOk {
		return aFloat == bFloat
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Built-in platform checks. Each reads well-known ambient fields and
// stays silent when the data is missing.

// pdtEvaluator flags pattern day trading: more than three day trades
// in five business days in an account under the equity floor.
type pdtEvaluator struct{}

func (e *pdtEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	dayTrades, ok1 := toFloat64(ec.Fields["day_trades_5d"])
	equity, ok2 := toFloat64(ec.Fields["account_equity"])
	if !ok1 || !ok2 {
		return &Result{}, nil
	}
	if dayTrades > 3 && equity < 25000 {
		return &Result{
			Violated:    true,
			Description: "pattern day trading limit exceeded below the equity minimum",
			Details: models.JSONB{
				"day_trades_5d":  dayTrades,
				"account_equity": equity,
				"equity_minimum": 25000,
			},
		}, nil
	}
	return &Result{}, nil
}

// washSaleEvaluator flags a realized loss with a repurchase of the
// same security inside the 30-day wash-sale window.
type washSaleEvaluator struct{}

func (e *washSaleEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	loss, ok := toFloat64(ec.Fields["realized_loss"])
	if !ok || loss <= 0 {
		return &Result{}, nil
	}
	repurchased, _ := ec.Fields["repurchased_within_30d"].(bool)
	if repurchased {
		return &Result{
			Violated:    true,
			Description: "loss sale followed by repurchase within the wash-sale window",
			Details: models.JSONB{
				"realized_loss": loss,
				"window_days":   30,
			},
		}, nil
	}
	return &Result{}, nil
}

// positionLimitEvaluator compares a position size against its limit.
type positionLimitEvaluator struct{}

func (e *positionLimitEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	quantity, ok1 := toFloat64(ec.Fields["position_quantity"])
	limit, ok2 := toFloat64(ec.Fields["position_limit"])
	if !ok1 || !ok2 || limit <= 0 {
		return &Result{}, nil
	}
	if quantity > limit {
		return &Result{
			Violated:    true,
			Description: "position size exceeds the configured limit",
			Details: models.JSONB{
				"position_quantity": quantity,
				"position_limit":    limit,
			},
		}, nil
	}
	return &Result{}, nil
}

// concentrationEvaluator flags a portfolio too concentrated in a
// single position. Default ceiling is 25% unless the context supplies
// its own.
type concentrationEvaluator struct{}

func (e *concentrationEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	weight, ok := toFloat64(ec.Fields["max_position_weight"])
	if !ok {
		return &Result{}, nil
	}
	ceiling := 0.25
	if v, ok := toFloat64(ec.Fields["concentration_limit"]); ok && v > 0 {
		ceiling = v
	}
	if weight > ceiling {
		return &Result{
			Violated:    true,
			Description: "single-position concentration exceeds the portfolio ceiling",
			Details: models.JSONB{
				"max_position_weight": weight,
				"concentration_limit": ceiling,
			},
		}, nil
	}
	return &Result{}, nil
}

// volatilityEvaluator flags trading in symbols above the volatility
// ceiling for the account's risk tier.
type volatilityEvaluator struct{}

func (e *volatilityEvaluator) Evaluate(_ context.Context, ec *EvalContext) (*Result, error) {
	volatility, ok := toFloat64(ec.Fields["symbol_volatility"])
	if !ok {
		return &Result{}, nil
	}
	ceiling := 0.6
	if v, ok := toFloat64(ec.Fields["volatility_limit"]); ok && v > 0 {
		ceiling = v
	}
	if volatility > ceiling {
		return &Result{
			Violated:    true,
			Description: "symbol volatility above the permitted ceiling",
			Details: models.JSONB{
				"symbol_volatility": volatility,
				"volatility_limit":  ceiling,
			},
		}, nil
	}
	return &Result{}, nil
}
