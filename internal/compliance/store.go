package compliance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/models"
)

// RuleRepository is the durable side of the rule store.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.Rule) error
	Update(ctx context.Context, rule *models.Rule) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context) ([]*models.Rule, error)
}

var ruleCategories = map[string]bool{
	models.RuleCategoryKYC:                 true,
	models.RuleCategoryAML:                 true,
	models.RuleCategoryTradeSurveillance:   true,
	models.RuleCategoryRegulatoryReporting: true,
	models.RuleCategoryRiskManagement:      true,
}

var ruleTypes = map[string]bool{
	models.RuleTypeThreshold:  true,
	models.RuleTypePattern:    true,
	models.RuleTypeBehavioral: true,
	models.RuleTypeRegulatory: true,
}

var severities = map[string]bool{
	models.SeverityLow:      true,
	models.SeverityMedium:   true,
	models.SeverityHigh:     true,
	models.SeverityCritical: true,
}

var ruleStatuses = map[string]bool{
	models.RuleStatusActive:   true,
	models.RuleStatusInactive: true,
}

// RuleStore owns rule storage. The in-memory cache is a derived index
// over the rules table: every mutation completes the durable write
// before touching the cache, so a crash between the two leaves the
// cache merely stale, healed by the next LoadRules.
type RuleStore struct {
	mu       sync.RWMutex
	repo     RuleRepository
	registry *Registry
	bus      *events.Bus

	cache map[uuid.UUID]*models.Rule
	seq   map[uuid.UUID]int // cache insertion order, tie-break for equal priority
	next  int
}

// NewRuleStore creates a rule store over the given repository.
func NewRuleStore(repo RuleRepository, registry *Registry, bus *events.Bus) *RuleStore {
	return &RuleStore{
		repo:     repo,
		registry: registry,
		bus:      bus,
		cache:    make(map[uuid.UUID]*models.Rule),
		seq:      make(map[uuid.UUID]int),
	}
}

// CreateRuleInput is the payload for CreateRule. Severity defaults to
// medium, priority to 1, status to active.
type CreateRuleInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Type        string          `json:"type"`
	Conditions  models.JSONList `json:"conditions"`
	Actions     []string        `json:"actions"`
	Severity    string          `json:"severity"`
	Priority    int             `json:"priority"`
}

// CreateRule validates, persists and caches a new rule, registers its
// evaluator and emits ruleCreated.
func (s *RuleStore) CreateRule(ctx context.Context, in CreateRuleInput, userID string) (*models.Rule, error) {
	now := time.Now()
	rule := &models.Rule{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Type:        in.Type,
		Conditions:  in.Conditions,
		Actions:     in.Actions,
		Severity:    in.Severity,
		Status:      models.RuleStatusActive,
		Priority:    in.Priority,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityMedium
	}
	if rule.Priority == 0 {
		rule.Priority = 1
	}

	if err := validateRule(rule); err != nil {
		return nil, err
	}

	// Durable write first; the cache is never the sole record of a write.
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.put(rule)
	s.mu.Unlock()

	s.registry.RegisterRule(rule)
	s.bus.Publish(ctx, events.RuleCreated, rule)

	log.Info().
		Str("rule_id", rule.ID.String()).
		Str("category", rule.Category).
		Str("created_by", userID).
		Msg("Compliance rule created")

	return rule, nil
}

// RulePatch carries the mutable rule fields for UpdateRule. Nil
// pointers and nil slices leave the field unchanged.
type RulePatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Category    *string         `json:"category,omitempty"`
	Type        *string         `json:"type,omitempty"`
	Conditions  models.JSONList `json:"conditions,omitempty"`
	Actions     []string        `json:"actions,omitempty"`
	Severity    *string         `json:"severity,omitempty"`
	Status      *string         `json:"status,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
}

// UpdateRule merges the patch into an existing rule owned by userID,
// re-validates, persists, refreshes the cache and evaluator, and emits
// ruleUpdated.
func (s *RuleStore) UpdateRule(ctx context.Context, id uuid.UUID, patch RulePatch, userID string) (*models.Rule, error) {
	s.mu.RLock()
	existing, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrRuleNotFound
	}
	if existing.CreatedBy != userID {
		return nil, models.ErrNotRuleOwner
	}

	merged := *existing
	if patch.Name != nil {
		merged.Name = *patch.Name
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.Category != nil {
		merged.Category = *patch.Category
	}
	if patch.Type != nil {
		merged.Type = *patch.Type
	}
	if patch.Conditions != nil {
		merged.Conditions = patch.Conditions
	}
	if patch.Actions != nil {
		merged.Actions = patch.Actions
	}
	if patch.Severity != nil {
		merged.Severity = *patch.Severity
	}
	if patch.Status != nil {
		merged.Status = *patch.Status
	}
	if patch.Priority != nil {
		merged.Priority = *patch.Priority
	}
	merged.UpdatedAt = time.Now()

	if err := validateRule(&merged); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, &merged); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = &merged
	s.mu.Unlock()

	s.registry.RegisterRule(&merged)
	s.bus.Publish(ctx, events.RuleUpdated, &merged)

	log.Info().Str("rule_id", id.String()).Msg("Compliance rule updated")

	return &merged, nil
}

// DeleteRule hard-deletes a rule owned by userID from the durable
// store, drops it from the cache and registry, and emits ruleDeleted.
func (s *RuleStore) DeleteRule(ctx context.Context, id uuid.UUID, userID string) error {
	s.mu.RLock()
	existing, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return models.ErrRuleNotFound
	}
	if existing.CreatedBy != userID {
		return models.ErrNotRuleOwner
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	delete(s.seq, id)
	s.mu.Unlock()

	s.registry.RemoveRule(id)
	s.bus.Publish(ctx, events.RuleDeleted, existing)

	log.Info().Str("rule_id", id.String()).Msg("Compliance rule deleted")

	return nil
}

// GetRule returns a cached rule by id.
func (s *RuleStore) GetRule(id uuid.UUID) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.cache[id]
	if !ok {
		return nil, models.ErrRuleNotFound
	}
	return rule, nil
}

// GetRules filters the cache by category and status (empty string
// skips the filter) and sorts by priority descending. Rules with equal
// priority keep their cache insertion order.
func (s *RuleStore) GetRules(category, status string) []*models.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*models.Rule
	for _, rule := range s.cache {
		if category != "" && rule.Category != category {
			continue
		}
		if status != "" && rule.Status != status {
			continue
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return s.seq[rules[i].ID] < s.seq[rules[j].ID]
	})

	return rules
}

// LoadRules repopulates the cache and evaluator registry from all
// active rows, ordered by priority descending. Idempotent: repeated
// calls with no intervening writes produce an identical cache.
func (s *RuleStore) LoadRules(ctx context.Context) error {
	rules, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = make(map[uuid.UUID]*models.Rule, len(rules))
	s.seq = make(map[uuid.UUID]int, len(rules))
	s.next = 0
	for _, rule := range rules {
		s.put(rule)
	}
	s.mu.Unlock()

	s.registry.ResetRules()
	for _, rule := range rules {
		s.registry.RegisterRule(rule)
	}

	log.Info().Int("rule_count", len(rules)).Msg("Compliance rules loaded")
	return nil
}

// put inserts into cache and assigns the next insertion sequence.
// Caller holds s.mu.
func (s *RuleStore) put(rule *models.Rule) {
	s.cache[rule.ID] = rule
	s.seq[rule.ID] = s.next
	s.next++
}

func validateRule(rule *models.Rule) error {
	if rule.Name == "" {
		return models.NewValidationError("name", "is required")
	}
	if !ruleCategories[rule.Category] {
		return models.NewValidationError("category", "must be one of KYC, AML, TRADE_SURVEILLANCE, REGULATORY_REPORTING, RISK_MANAGEMENT")
	}
	if !ruleTypes[rule.Type] {
		return models.NewValidationError("type", "must be one of THRESHOLD, PATTERN, BEHAVIORAL, REGULATORY")
	}
	if len(rule.Conditions) == 0 {
		return models.NewValidationError("conditions", "must be a non-empty list")
	}
	if len(rule.Actions) == 0 {
		return models.NewValidationError("actions", "must be a non-empty list")
	}
	if !severities[rule.Severity] {
		return models.NewValidationError("severity", "must be one of low, medium, high, critical")
	}
	if !ruleStatuses[rule.Status] {
		return models.NewValidationError("status", "must be active or inactive")
	}
	return nil
}
