package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/brokerage/compliance-engine/internal/models"
)

// RunRepository handles surveillance run database operations
type RunRepository struct {
	db *Database
}

// NewRunRepository creates a new surveillance run repository
func NewRunRepository(db *Database) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run row. Runs start in monitoring status before
// any detection work begins.
func (r *RunRepository) Create(ctx context.Context, run *models.SurveillanceRun) error {
	query := `
		INSERT INTO surveillance_runs (
			id, portfolio_id, user_id, trade_count, status, alert_ids, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		run.ID,
		run.PortfolioID,
		run.UserID,
		run.TradeCount,
		run.Status,
		pq.Array(run.AlertIDs),
		run.CreatedAt,
	)

	return err
}

// Update rewrites the terminal-state columns of a run row
func (r *RunRepository) Update(ctx context.Context, run *models.SurveillanceRun) error {
	query := `
		UPDATE surveillance_runs
		SET status = $2, alert_ids = $3, completed_at = $4, error = $5
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query,
		run.ID,
		run.Status,
		pq.Array(run.AlertIDs),
		run.CompletedAt,
		nullIfEmpty(run.Error),
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return models.ErrRunNotFound
	}

	return nil
}

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SurveillanceRun, error) {
	query := runSelect + ` WHERE id = $1`

	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRunNotFound
		}
		return nil, err
	}

	return run, nil
}

// ListByPortfolio retrieves recent runs for a portfolio, newest first.
// Useful for spotting runs stuck in monitoring after a crash.
func (r *RunRepository) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.SurveillanceRun, error) {
	query := runSelect + `
		WHERE portfolio_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, portfolioID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.SurveillanceRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

const runSelect = `
	SELECT id, portfolio_id, user_id, trade_count, status, alert_ids,
		   created_at, completed_at, error
	FROM surveillance_runs`

func scanRun(row rowScanner) (*models.SurveillanceRun, error) {
	run := &models.SurveillanceRun{}
	var alertIDs []string
	var runErr *string

	if err := row.Scan(
		&run.ID,
		&run.PortfolioID,
		&run.UserID,
		&run.TradeCount,
		&run.Status,
		&alertIDs,
		&run.CreatedAt,
		&run.CompletedAt,
		&runErr,
	); err != nil {
		return nil, err
	}

	run.AlertIDs = alertIDs
	if runErr != nil {
		run.Error = *runErr
	}
	return run, nil
}
