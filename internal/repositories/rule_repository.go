package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/brokerage/compliance-engine/internal/models"
)

// RuleRepository handles compliance rule database operations
type RuleRepository struct {
	db *Database
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *Database) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a new rule row
func (r *RuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	query := `
		INSERT INTO rules (
			id, name, description, category, type, conditions, actions,
			severity, status, priority, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	conditionsBytes, _ := rule.Conditions.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.Category,
		rule.Type,
		conditionsBytes,
		pq.Array(rule.Actions),
		rule.Severity,
		rule.Status,
		rule.Priority,
		rule.CreatedBy,
		rule.CreatedAt,
		rule.UpdatedAt,
	)

	return err
}

// Update rewrites the mutable columns of an existing rule row
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	query := `
		UPDATE rules
		SET name = $2, description = $3, category = $4, type = $5,
			conditions = $6, actions = $7, severity = $8, status = $9,
			priority = $10, updated_at = $11
		WHERE id = $1
	`

	conditionsBytes, _ := rule.Conditions.Value()

	result, err := r.db.Pool.Exec(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.Category,
		rule.Type,
		conditionsBytes,
		pq.Array(rule.Actions),
		rule.Severity,
		rule.Status,
		rule.Priority,
		rule.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return models.ErrRuleNotFound
	}

	return nil
}

// Delete hard-deletes a rule row
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return models.ErrRuleNotFound
	}

	return nil
}

// GetByID retrieves a single rule row
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	query := `
		SELECT id, name, description, category, type, conditions, actions,
			   severity, status, priority, created_by, created_at, updated_at
		FROM rules
		WHERE id = $1
	`

	rule, err := scanRule(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRuleNotFound
		}
		return nil, err
	}

	return rule, nil
}

// ListActive retrieves all rows with status=active ordered by priority
// descending, oldest first within equal priority. This is the startup
// cache-repopulation query.
func (r *RuleRepository) ListActive(ctx context.Context) ([]*models.Rule, error) {
	query := `
		SELECT id, name, description, category, type, conditions, actions,
			   severity, status, priority, created_by, created_at, updated_at
		FROM rules
		WHERE status = 'active'
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	rule := &models.Rule{}
	var conditionsBytes []byte
	var actions []string
	var createdAt, updatedAt time.Time

	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.Category,
		&rule.Type,
		&conditionsBytes,
		&actions, // pgx scans text[] into []string directly
		&rule.Severity,
		&rule.Status,
		&rule.Priority,
		&rule.CreatedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rule.Conditions.Scan(conditionsBytes)
	rule.Actions = actions
	rule.CreatedAt = createdAt
	rule.UpdatedAt = updatedAt
	return rule, nil
}
