package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/models"
	"github.com/brokerage/compliance-engine/internal/queue"
	"github.com/brokerage/compliance-engine/internal/repositories"
)

const defaultViolationLimit = 100

// ViolationRepository is the durable side of the violation manager.
type ViolationRepository interface {
	Create(ctx context.Context, v *models.Violation) error
	Update(ctx context.Context, v *models.Violation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Violation, error)
	List(ctx context.Context, f repositories.ViolationFilter) ([]*models.Violation, error)
}

// ruleSource resolves rule metadata for denormalization.
type ruleSource interface {
	GetRule(id uuid.UUID) (*models.Rule, error)
}

// ViolationManager owns violation storage and the violation lifecycle:
// open, acknowledged, resolved; resolved is terminal and open may
// resolve directly.
type ViolationManager struct {
	repo  ViolationRepository
	rules ruleSource
	bus   *events.Bus
	cache *queue.CacheClient // derived read cache, may be nil
}

// NewViolationManager creates a violation manager. cache may be nil.
func NewViolationManager(repo ViolationRepository, rules ruleSource, bus *events.Bus, cache *queue.CacheClient) *ViolationManager {
	return &ViolationManager{repo: repo, rules: rules, bus: bus, cache: cache}
}

// CreateViolationInput is the payload for CreateViolation.
type CreateViolationInput struct {
	Description string       `json:"description"`
	Details     models.JSONB `json:"details,omitempty"`
	UserID      string       `json:"user_id"`
	PortfolioID string       `json:"portfolio_id"`
}

// CreateViolation opens a violation against an existing rule,
// denormalizing the rule's metadata into the record. Only the checker
// and internal callers create violations; clients never do directly.
func (m *ViolationManager) CreateViolation(ctx context.Context, ruleID uuid.UUID, in CreateViolationInput) (*models.Violation, error) {
	rule, err := m.rules.GetRule(ruleID)
	if err != nil {
		return nil, err
	}

	v := &models.Violation{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Category:    rule.Category,
		Severity:    rule.Severity,
		Description: in.Description,
		Details:     in.Details,
		UserID:      in.UserID,
		PortfolioID: in.PortfolioID,
		Status:      models.ViolationStatusOpen,
		CreatedAt:   time.Now(),
	}

	if err := m.repo.Create(ctx, v); err != nil {
		return nil, err
	}

	m.cacheViolation(ctx, v)
	m.bus.Publish(ctx, events.ViolationDetected, v)

	log.Warn().
		Str("violation_id", v.ID.String()).
		Str("rule_id", rule.ID.String()).
		Str("severity", v.Severity).
		Str("user_id", v.UserID).
		Msg("Compliance violation detected")

	return v, nil
}

// AcknowledgeViolation transitions open → acknowledged, recording the
// actor and timestamp. Any other starting state is rejected.
func (m *ViolationManager) AcknowledgeViolation(ctx context.Context, id uuid.UUID, userID string) (*models.Violation, error) {
	v, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if v.Status != models.ViolationStatusOpen {
		return nil, &models.InvalidStateError{
			Entity: "violation",
			From:   v.Status,
			To:     models.ViolationStatusAcknowledged,
		}
	}

	now := time.Now()
	v.Status = models.ViolationStatusAcknowledged
	v.AcknowledgedAt = &now
	v.AcknowledgedBy = userID

	if err := m.repo.Update(ctx, v); err != nil {
		return nil, err
	}

	m.cacheViolation(ctx, v)
	m.bus.Publish(ctx, events.ViolationAcknowledged, v)

	log.Info().Str("violation_id", id.String()).Str("acknowledged_by", userID).Msg("Violation acknowledged")

	return v, nil
}

// ResolveViolation transitions open or acknowledged → resolved,
// recording resolution, notes and actor. Resolved is terminal.
func (m *ViolationManager) ResolveViolation(ctx context.Context, id uuid.UUID, resolution, notes, userID string) (*models.Violation, error) {
	v, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if v.Status == models.ViolationStatusResolved {
		return nil, &models.InvalidStateError{
			Entity: "violation",
			From:   v.Status,
			To:     models.ViolationStatusResolved,
		}
	}

	now := time.Now()
	v.Status = models.ViolationStatusResolved
	v.ResolvedAt = &now
	v.ResolvedBy = userID
	v.Resolution = resolution
	v.Notes = notes

	if err := m.repo.Update(ctx, v); err != nil {
		return nil, err
	}

	m.cacheViolation(ctx, v)
	m.bus.Publish(ctx, events.ViolationResolved, v)

	log.Info().Str("violation_id", id.String()).Str("resolved_by", userID).Msg("Violation resolved")

	return v, nil
}

// GetViolations returns the most recent violations matching the
// filter, newest first, truncated to the limit (default 100). There is
// deliberately no offset: the contract is "most recent N".
func (m *ViolationManager) GetViolations(ctx context.Context, userID, status, severity string, limit int) ([]*models.Violation, error) {
	if limit <= 0 {
		limit = defaultViolationLimit
	}

	return m.repo.List(ctx, repositories.ViolationFilter{
		UserID:   userID,
		Status:   status,
		Severity: severity,
		Limit:    limit,
	})
}

// cacheViolation refreshes the derived Redis copy. The durable write
// always happened first; failures here only cost a cache hit.
func (m *ViolationManager) cacheViolation(ctx context.Context, v *models.Violation) {
	if m.cache == nil {
		return
	}
	key := fmt.Sprintf("violation:%s", v.ID)
	if err := m.cache.Set(ctx, key, v, 24*time.Hour); err != nil {
		log.Warn().Err(err).Str("violation_id", v.ID.String()).Msg("Failed to cache violation")
	}
}
