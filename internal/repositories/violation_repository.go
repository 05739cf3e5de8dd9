package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brokerage/compliance-engine/internal/models"
)

// ViolationRepository handles violation database operations
type ViolationRepository struct {
	db *Database
}

// NewViolationRepository creates a new violation repository
func NewViolationRepository(db *Database) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// Create inserts a new violation row
func (r *ViolationRepository) Create(ctx context.Context, v *models.Violation) error {
	query := `
		INSERT INTO violations (
			id, rule_id, rule_name, category, severity, description, details,
			user_id, portfolio_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	detailsBytes, _ := v.Details.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		v.ID,
		v.RuleID,
		v.RuleName,
		v.Category,
		v.Severity,
		v.Description,
		detailsBytes,
		v.UserID,
		v.PortfolioID,
		v.Status,
		v.CreatedAt,
	)

	return err
}

// Update rewrites the lifecycle columns of a violation row
func (r *ViolationRepository) Update(ctx context.Context, v *models.Violation) error {
	query := `
		UPDATE violations
		SET status = $2, acknowledged_at = $3, acknowledged_by = $4,
			resolved_at = $5, resolved_by = $6, resolution = $7, notes = $8
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query,
		v.ID,
		v.Status,
		v.AcknowledgedAt,
		nullIfEmpty(v.AcknowledgedBy),
		v.ResolvedAt,
		nullIfEmpty(v.ResolvedBy),
		nullIfEmpty(v.Resolution),
		nullIfEmpty(v.Notes),
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return models.ErrViolationNotFound
	}

	return nil
}

// GetByID retrieves a violation by ID
func (r *ViolationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Violation, error) {
	query := violationSelect + ` WHERE id = $1`

	v, err := scanViolation(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrViolationNotFound
		}
		return nil, err
	}

	return v, nil
}

// ViolationFilter narrows a violation listing. Empty fields are skipped.
type ViolationFilter struct {
	UserID   string
	Status   string
	Severity string
	Limit    int
}

// List retrieves the most recent violations matching the filter,
// newest first, truncated to the filter limit.
func (r *ViolationRepository) List(ctx context.Context, f ViolationFilter) ([]*models.Violation, error) {
	query := violationSelect + `
		WHERE ($1 = '' OR user_id = $1)
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR severity = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := r.db.Pool.Query(ctx, query, f.UserID, f.Status, f.Severity, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []*models.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}

	return violations, rows.Err()
}

const violationSelect = `
	SELECT id, rule_id, rule_name, category, severity, description, details,
		   user_id, portfolio_id, status, created_at, acknowledged_at,
		   acknowledged_by, resolved_at, resolved_by, resolution, notes
	FROM violations`

func scanViolation(row rowScanner) (*models.Violation, error) {
	v := &models.Violation{}
	var detailsBytes []byte
	var ackBy, resBy, resolution, notes *string

	if err := row.Scan(
		&v.ID,
		&v.RuleID,
		&v.RuleName,
		&v.Category,
		&v.Severity,
		&v.Description,
		&detailsBytes,
		&v.UserID,
		&v.PortfolioID,
		&v.Status,
		&v.CreatedAt,
		&v.AcknowledgedAt,
		&ackBy,
		&v.ResolvedAt,
		&resBy,
		&resolution,
		&notes,
	); err != nil {
		return nil, err
	}

	v.Details.Scan(detailsBytes)
	if ackBy != nil {
		v.AcknowledgedBy = *ackBy
	}
	if resBy != nil {
		v.ResolvedBy = *resBy
	}
	if resolution != nil {
		v.Resolution = *resolution
	}
	if notes != nil {
		v.Notes = *notes
	}
	return v, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
