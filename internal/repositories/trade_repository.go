package repositories

import (
	"context"
	"time"

	"github.com/brokerage/compliance-engine/internal/models"
)

// TradeRepository reads the trade ledger. The ledger is owned by the
// execution service; this repository never writes to it.
type TradeRepository struct {
	db *Database
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *Database) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeSelect = `
	SELECT id, user_id, symbol, quantity, price, order_size,
		   buyer_account, seller_account, order_type, status, timestamp
	FROM trades`

// CreatedSince retrieves trades created after the given instant,
// oldest first. This feeds the scheduled surveillance sweep.
func (r *TradeRepository) CreatedSince(ctx context.Context, since time.Time) ([]*models.Trade, error) {
	query := tradeSelect + `
		WHERE timestamp >= $1
		ORDER BY timestamp ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// RecentBySymbol retrieves trades for a symbol within the window,
// newest first.
func (r *TradeRepository) RecentBySymbol(ctx context.Context, symbol string, since time.Time) ([]*models.Trade, error) {
	query := tradeSelect + `
		WHERE symbol = $1 AND timestamp >= $2
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// RecentByAccount retrieves trades where the account appears on either
// side, newest first.
func (r *TradeRepository) RecentByAccount(ctx context.Context, account string, since time.Time) ([]*models.Trade, error) {
	query := tradeSelect + `
		WHERE (buyer_account = $1 OR seller_account = $1) AND timestamp >= $2
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, account, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// RecentByUser retrieves trades submitted by a user, newest first.
func (r *TradeRepository) RecentByUser(ctx context.Context, userID string, since time.Time) ([]*models.Trade, error) {
	query := tradeSelect + `
		WHERE user_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// SymbolStats returns trailing aggregate volume and price statistics
// for a symbol over the window.
func (r *TradeRepository) SymbolStats(ctx context.Context, symbol string, since time.Time) (avgVolume, avgPrice float64, count int, err error) {
	query := `
		SELECT COALESCE(AVG(quantity), 0), COALESCE(AVG(price), 0), COUNT(*)
		FROM trades
		WHERE symbol = $1 AND timestamp >= $2
	`

	err = r.db.Pool.QueryRow(ctx, query, symbol, since).Scan(&avgVolume, &avgPrice, &count)
	return avgVolume, avgPrice, count, err
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]*models.Trade, error) {
	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Symbol,
			&t.Quantity,
			&t.Price,
			&t.OrderSize,
			&t.BuyerAccount,
			&t.SellerAccount,
			&t.OrderType,
			&t.Status,
			&t.Timestamp,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}
