package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brokerage/compliance-engine/internal/models"
)

// AlertRepository handles surveillance alert database operations
type AlertRepository struct {
	db *Database
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *Database) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertInsert = `
	INSERT INTO alerts (
		id, rule_id, rule_name, category, severity, trade_id, symbol,
		message, details, portfolio_id, user_id, status, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

// Create inserts a single alert row
func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) error {
	detailsBytes, _ := a.Details.Value()

	_, err := r.db.Pool.Exec(ctx, alertInsert,
		a.ID,
		a.RuleID,
		a.RuleName,
		a.Category,
		a.Severity,
		a.TradeID,
		nullIfEmpty(a.Symbol),
		a.Message,
		detailsBytes,
		a.PortfolioID,
		a.UserID,
		a.Status,
		a.CreatedAt,
	)

	return err
}

// CreateBatch inserts multiple alert rows in one round trip
func (r *AlertRepository) CreateBatch(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range alerts {
		detailsBytes, _ := a.Details.Value()
		batch.Queue(alertInsert,
			a.ID,
			a.RuleID,
			a.RuleName,
			a.Category,
			a.Severity,
			a.TradeID,
			nullIfEmpty(a.Symbol),
			a.Message,
			detailsBytes,
			a.PortfolioID,
			a.UserID,
			a.Status,
			a.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range alerts {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	query := alertSelect + ` WHERE id = $1`

	a, err := scanAlert(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAlertNotFound
		}
		return nil, err
	}

	return a, nil
}

// AlertFilter narrows an alert listing. Empty/zero fields are skipped.
type AlertFilter struct {
	Status   string
	Severity string
	Category string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// List retrieves alerts matching the filter, newest first, with
// limit/offset pagination. Filtering happens server side because
// alert volume is expected to dwarf violation volume.
func (r *AlertRepository) List(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	query := alertSelect + `
		WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR severity = $2)
		AND ($3 = '' OR category = $3)
		AND ($4::timestamptz IS NULL OR created_at >= $4)
		AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7
	`

	rows, err := r.db.Pool.Query(ctx, query,
		f.Status, f.Severity, f.Category, f.From, f.To, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

const alertSelect = `
	SELECT id, rule_id, rule_name, category, severity, trade_id, symbol,
		   message, details, portfolio_id, user_id, status, created_at
	FROM alerts`

func scanAlert(row rowScanner) (*models.Alert, error) {
	a := &models.Alert{}
	var detailsBytes []byte
	var symbol *string

	if err := row.Scan(
		&a.ID,
		&a.RuleID,
		&a.RuleName,
		&a.Category,
		&a.Severity,
		&a.TradeID,
		&symbol,
		&a.Message,
		&detailsBytes,
		&a.PortfolioID,
		&a.UserID,
		&a.Status,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.Details.Scan(detailsBytes)
	if symbol != nil {
		a.Symbol = *symbol
	}
	return a, nil
}
