package repositories

import (
	"context"
	"time"

	"github.com/brokerage/compliance-engine/internal/models"
)

// MarketRepository reads order-book and news tables maintained by the
// market-data ingestion pipeline. Read-only, like the trade ledger.
type MarketRepository struct {
	db *Database
}

// NewMarketRepository creates a new market repository
func NewMarketRepository(db *Database) *MarketRepository {
	return &MarketRepository{db: db}
}

// RecentOrders retrieves orders for a symbol within the window,
// newest first. minSize=0 returns all sizes.
func (r *MarketRepository) RecentOrders(ctx context.Context, symbol string, minSize float64, since time.Time) ([]*models.Order, error) {
	query := `
		SELECT id, symbol, account, size, price, status, created_at
		FROM orders
		WHERE symbol = $1 AND size >= $2 AND created_at >= $3
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, symbol, minSize, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o := &models.Order{}
		if err := rows.Scan(
			&o.ID,
			&o.Symbol,
			&o.Account,
			&o.Size,
			&o.Price,
			&o.Status,
			&o.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// RecentOrdersByAccount retrieves orders placed by an account within
// the window, newest first.
func (r *MarketRepository) RecentOrdersByAccount(ctx context.Context, account string, since time.Time) ([]*models.Order, error) {
	query := `
		SELECT id, symbol, account, size, price, status, created_at
		FROM orders
		WHERE account = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, account, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o := &models.Order{}
		if err := rows.Scan(
			&o.ID,
			&o.Symbol,
			&o.Account,
			&o.Size,
			&o.Price,
			&o.Status,
			&o.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// RecentNews retrieves news events for a symbol within the window,
// newest first.
func (r *MarketRepository) RecentNews(ctx context.Context, symbol string, since time.Time) ([]*models.NewsItem, error) {
	query := `
		SELECT id, symbol, headline, published_at
		FROM news_events
		WHERE symbol = $1 AND published_at >= $2
		ORDER BY published_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.NewsItem
	for rows.Next() {
		n := &models.NewsItem{}
		if err := rows.Scan(&n.ID, &n.Symbol, &n.Headline, &n.PublishedAt); err != nil {
			return nil, err
		}
		items = append(items, n)
	}

	return items, rows.Err()
}
