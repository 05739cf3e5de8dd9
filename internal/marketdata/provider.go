package marketdata

import (
	"context"
	"time"

	"github.com/brokerage/compliance-engine/internal/models"
	"github.com/brokerage/compliance-engine/internal/repositories"
)

// Provider supplies the market and trading history the surveillance
// rules compare against. Every call takes a symbol, account or user
// plus a lookback window and returns a typed result or empty; the
// engine treats an error or empty result as "no signal", never as an
// asserted violation.
type Provider interface {
	// AverageVolume is the trailing mean trade quantity for the symbol
	// over the window. Zero means no supporting data.
	AverageVolume(ctx context.Context, symbol string, window time.Duration) (float64, error)

	// AveragePrice is the trailing mean trade price for the symbol
	// over the window. Zero means no supporting data.
	AveragePrice(ctx context.Context, symbol string, window time.Duration) (float64, error)

	// RecentTradesByAccount returns trades where the account appears
	// on either side, newest first.
	RecentTradesByAccount(ctx context.Context, account string, window time.Duration) ([]*models.Trade, error)

	// RecentTradesByUser returns trades submitted by the user, newest first.
	RecentTradesByUser(ctx context.Context, userID string, window time.Duration) ([]*models.Trade, error)

	// RecentOrders returns orders for the symbol at or above minSize,
	// newest first.
	RecentOrders(ctx context.Context, symbol string, minSize float64, window time.Duration) ([]*models.Order, error)

	// RecentOrdersByAccount returns orders placed by the account, newest first.
	RecentOrdersByAccount(ctx context.Context, account string, window time.Duration) ([]*models.Order, error)

	// RecentNews returns news events for the symbol within the window,
	// newest first.
	RecentNews(ctx context.Context, symbol string, window time.Duration) ([]*models.NewsItem, error)

	// PriceChange is the fractional price move for the symbol since
	// the given instant (0.05 = up 5%). Zero means no supporting data.
	PriceChange(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// PGProvider computes market metrics directly from the trade ledger
// and order/news tables. Average volume and price are trailing means
// over the requested window; richer estimators (VWAP, decay-weighted)
// can replace this behind the same interface.
type PGProvider struct {
	trades *repositories.TradeRepository
	market *repositories.MarketRepository
}

// NewPGProvider creates a provider backed by the durable store.
func NewPGProvider(trades *repositories.TradeRepository, market *repositories.MarketRepository) *PGProvider {
	return &PGProvider{trades: trades, market: market}
}

func (p *PGProvider) AverageVolume(ctx context.Context, symbol string, window time.Duration) (float64, error) {
	avgVolume, _, _, err := p.trades.SymbolStats(ctx, symbol, time.Now().Add(-window))
	return avgVolume, err
}

func (p *PGProvider) AveragePrice(ctx context.Context, symbol string, window time.Duration) (float64, error) {
	_, avgPrice, _, err := p.trades.SymbolStats(ctx, symbol, time.Now().Add(-window))
	return avgPrice, err
}

func (p *PGProvider) RecentTradesByAccount(ctx context.Context, account string, window time.Duration) ([]*models.Trade, error) {
	return p.trades.RecentByAccount(ctx, account, time.Now().Add(-window))
}

func (p *PGProvider) RecentTradesByUser(ctx context.Context, userID string, window time.Duration) ([]*models.Trade, error) {
	return p.trades.RecentByUser(ctx, userID, time.Now().Add(-window))
}

func (p *PGProvider) RecentOrders(ctx context.Context, symbol string, minSize float64, window time.Duration) ([]*models.Order, error) {
	return p.market.RecentOrders(ctx, symbol, minSize, time.Now().Add(-window))
}

func (p *PGProvider) RecentOrdersByAccount(ctx context.Context, account string, window time.Duration) ([]*models.Order, error) {
	return p.market.RecentOrdersByAccount(ctx, account, time.Now().Add(-window))
}

func (p *PGProvider) RecentNews(ctx context.Context, symbol string, window time.Duration) ([]*models.NewsItem, error) {
	return p.market.RecentNews(ctx, symbol, time.Now().Add(-window))
}

// PriceChange compares the oldest and newest trade prices since the
// given instant.
func (p *PGProvider) PriceChange(ctx context.Context, symbol string, since time.Time) (float64, error) {
	trades, err := p.trades.RecentBySymbol(ctx, symbol, since)
	if err != nil {
		return 0, err
	}
	if len(trades) < 2 {
		return 0, nil
	}

	// Newest first: last element is the oldest trade in the window.
	oldest := trades[len(trades)-1].Price
	newest := trades[0].Price
	if oldest == 0 {
		return 0, nil
	}

	return (newest - oldest) / oldest, nil
}
