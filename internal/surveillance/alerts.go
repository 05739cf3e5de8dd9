package surveillance

import (
	"context"

	"github.com/google/uuid"

	"github.com/brokerage/compliance-engine/internal/models"
	"github.com/brokerage/compliance-engine/internal/repositories"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// AlertRepository is the slice of alert persistence the manager needs.
type AlertRepository interface {
	Create(ctx context.Context, a *models.Alert) error
	CreateBatch(ctx context.Context, alerts []*models.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	List(ctx context.Context, f repositories.AlertFilter) ([]*models.Alert, error)
}

// AlertManager persists surveillance alerts and serves the alert query
// surface for compliance officer dashboards.
type AlertManager struct {
	repo AlertRepository
}

// NewAlertManager creates an alert manager over the given repository.
func NewAlertManager(repo AlertRepository) *AlertManager {
	return &AlertManager{repo: repo}
}

// CreateAlert persists a single alert.
func (m *AlertManager) CreateAlert(ctx context.Context, a *models.Alert) error {
	return m.repo.Create(ctx, a)
}

// CreateAlerts persists the batch in one round trip. An empty batch is
// a no-op.
func (m *AlertManager) CreateAlerts(ctx context.Context, alerts []*models.Alert) error {
	return m.repo.CreateBatch(ctx, alerts)
}

// GetAlert retrieves one alert by id, or models.ErrAlertNotFound.
func (m *AlertManager) GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	return m.repo.GetByID(ctx, id)
}

// GetAlerts lists alerts matching the filter, newest first. The limit
// defaults to 100 and is capped at 1000; a negative offset is treated
// as zero.
func (m *AlertManager) GetAlerts(ctx context.Context, f repositories.AlertFilter) ([]*models.Alert, error) {
	if f.Limit <= 0 {
		f.Limit = defaultAlertLimit
	}
	if f.Limit > maxAlertLimit {
		f.Limit = maxAlertLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return m.repo.List(ctx, f)
}
