package surveillance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerage/compliance-engine/internal/models"
)

// --- Mock market-data provider ---

type mockMarket struct {
	avgVolume       float64
	avgPrice        float64
	tradesByAccount []*models.Trade
	tradesByUser    []*models.Trade
	orders          []*models.Order
	ordersByAccount []*models.Order
	news            []*models.NewsItem
	priceChange     float64
	err             error
}

func (m *mockMarket) AverageVolume(context.Context, string, time.Duration) (float64, error) {
	return m.avgVolume, m.err
}

func (m *mockMarket) AveragePrice(context.Context, string, time.Duration) (float64, error) {
	return m.avgPrice, m.err
}

func (m *mockMarket) RecentTradesByAccount(context.Context, string, time.Duration) ([]*models.Trade, error) {
	return m.tradesByAccount, m.err
}

func (m *mockMarket) RecentTradesByUser(context.Context, string, time.Duration) ([]*models.Trade, error) {
	return m.tradesByUser, m.err
}

func (m *mockMarket) RecentOrders(context.Context, string, float64, time.Duration) ([]*models.Order, error) {
	return m.orders, m.err
}

func (m *mockMarket) RecentOrdersByAccount(context.Context, string, time.Duration) ([]*models.Order, error) {
	return m.ordersByAccount, m.err
}

func (m *mockMarket) RecentNews(context.Context, string, time.Duration) ([]*models.NewsItem, error) {
	return m.news, m.err
}

func (m *mockMarket) PriceChange(context.Context, string, time.Time) (float64, error) {
	return m.priceChange, m.err
}

func catalogRule(t *testing.T, id string) *TradeRule {
	t.Helper()
	for _, rule := range DefaultCatalog() {
		if rule.ID == id {
			return rule
		}
	}
	t.Fatalf("rule %s not in catalog", id)
	return nil
}

func sampleTrade() *models.Trade {
	return &models.Trade{
		ID:           uuid.New(),
		UserID:       "user-1",
		Symbol:       "ACME",
		Quantity:     1000,
		Price:        50,
		BuyerAccount: "acct-1",
		OrderType:    models.OrderTypeLimit,
		Timestamp:    time.Now(),
	}
}

func TestDefaultCatalogShape(t *testing.T) {
	catalog := DefaultCatalog()
	require.Len(t, catalog, 8)

	seen := make(map[string]bool)
	for _, rule := range catalog {
		assert.True(t, rule.Enabled, rule.ID)
		assert.Equal(t, models.RuleCategoryTradeSurveillance, rule.Category, rule.ID)
		assert.NotNil(t, rule.Check, rule.ID)
		assert.False(t, seen[rule.ID], rule.ID)
		seen[rule.ID] = true
	}
}

func TestUnusualVolume(t *testing.T) {
	rule := catalogRule(t, "unusual_volume")
	ctx := context.Background()

	trade := sampleTrade()
	trade.Quantity = 35000

	// 3.5x the average fires
	finding, err := rule.Check(ctx, &mockMarket{avgVolume: 10000}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.InDelta(t, 3.5, finding.Details["volume_ratio"], 1e-9)

	// 2.5x does not
	trade.Quantity = 25000
	finding, err = rule.Check(ctx, &mockMarket{avgVolume: 10000}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// exactly 3.0x does not: the comparison is strict
	trade.Quantity = 30000
	finding, err = rule.Check(ctx, &mockMarket{avgVolume: 10000}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// no history means no signal
	trade.Quantity = 35000
	finding, err = rule.Check(ctx, &mockMarket{avgVolume: 0}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestPriceManipulation(t *testing.T) {
	rule := catalogRule(t, "price_manipulation")
	ctx := context.Background()

	trade := sampleTrade()
	trade.Price = 115

	finding, err := rule.Check(ctx, &mockMarket{avgPrice: 100}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)

	// deviation below the threshold, and downside deviations count too
	trade.Price = 108
	finding, err = rule.Check(ctx, &mockMarket{avgPrice: 100}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	trade.Price = 85
	finding, err = rule.Check(ctx, &mockMarket{avgPrice: 100}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)
}

func washTrades(sameAccount, total int) []*models.Trade {
	trades := make([]*models.Trade, 0, total)
	for i := 0; i < total; i++ {
		tr := &models.Trade{ID: uuid.New(), BuyerAccount: "acct-1"}
		if i < sameAccount {
			tr.SellerAccount = "acct-1"
		} else {
			tr.SellerAccount = "acct-2"
		}
		trades = append(trades, tr)
	}
	return trades
}

func TestWashTrading(t *testing.T) {
	rule := catalogRule(t, "wash_trading")
	ctx := context.Background()
	trade := sampleTrade()

	// 4 of 5 same-account is exactly the 0.8 threshold: no alert
	finding, err := rule.Check(ctx, &mockMarket{tradesByAccount: washTrades(4, 5)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// 5 of 6 (0.833) crosses it
	finding, err = rule.Check(ctx, &mockMarket{tradesByAccount: washTrades(5, 6)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, 5, finding.Details["same_account_trades"])

	// below the minimum sample size nothing fires even at ratio 1.0
	finding, err = rule.Check(ctx, &mockMarket{tradesByAccount: washTrades(4, 4)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestFrontRunning(t *testing.T) {
	rule := catalogRule(t, "front_running")
	ctx := context.Background()
	trade := sampleTrade()

	orders := []*models.Order{
		{ID: uuid.New(), Symbol: "ACME", Size: 20000, CreatedAt: time.Now().Add(-10 * time.Minute)},
		{ID: uuid.New(), Symbol: "ACME", Size: 15000, CreatedAt: time.Now().Add(-20 * time.Minute)},
	}

	finding, err := rule.Check(ctx, &mockMarket{orders: orders, priceChange: 0.08}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)

	// exactly at the threshold stays quiet
	finding, err = rule.Check(ctx, &mockMarket{orders: orders, priceChange: 0.05}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// downside impact counts as well
	finding, err = rule.Check(ctx, &mockMarket{orders: orders, priceChange: -0.08}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)

	// no large orders means no signal
	finding, err = rule.Check(ctx, &mockMarket{priceChange: 0.5}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestLayering(t *testing.T) {
	rule := catalogRule(t, "layering")
	ctx := context.Background()
	trade := sampleTrade()

	mkOrders := func(n int) []*models.Order {
		orders := make([]*models.Order, n)
		for i := range orders {
			orders[i] = &models.Order{ID: uuid.New(), Account: "acct-1"}
		}
		return orders
	}

	finding, err := rule.Check(ctx, &mockMarket{ordersByAccount: mkOrders(11)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, 11, finding.Details["order_count"])

	finding, err = rule.Check(ctx, &mockMarket{ordersByAccount: mkOrders(10)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestSpoofing(t *testing.T) {
	rule := catalogRule(t, "spoofing")
	ctx := context.Background()
	trade := sampleTrade()

	mkOrders := func(cancelled, total int) []*models.Order {
		orders := make([]*models.Order, total)
		for i := range orders {
			status := models.OrderStatusFilled
			if i < cancelled {
				status = models.OrderStatusCancelled
			}
			orders[i] = &models.Order{ID: uuid.New(), Status: status}
		}
		return orders
	}

	finding, err := rule.Check(ctx, &mockMarket{orders: mkOrders(3, 4)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)

	// exactly half cancelled stays quiet
	finding, err = rule.Check(ctx, &mockMarket{orders: mkOrders(2, 4)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// too small a sample stays quiet
	finding, err = rule.Check(ctx, &mockMarket{orders: mkOrders(3, 3)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestInsiderTrading(t *testing.T) {
	rule := catalogRule(t, "insider_trading")
	ctx := context.Background()
	trade := sampleTrade()

	news := []*models.NewsItem{
		{Symbol: "ACME", Headline: "Earnings beat", PublishedAt: time.Now().Add(-2 * time.Hour)},
	}

	finding, err := rule.Check(ctx, &mockMarket{news: news, priceChange: 0.20}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, "Earnings beat", finding.Details["news_headline"])

	finding, err = rule.Check(ctx, &mockMarket{news: news, priceChange: 0.15}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	finding, err = rule.Check(ctx, &mockMarket{priceChange: 0.5}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)
}

func TestMarketAbuse(t *testing.T) {
	rule := catalogRule(t, "market_abuse")
	ctx := context.Background()
	trade := sampleTrade()

	mkTrades := func(n int) []*models.Trade {
		trades := make([]*models.Trade, n)
		for i := range trades {
			trades[i] = &models.Trade{ID: uuid.New(), UserID: "user-1"}
		}
		return trades
	}

	finding, err := rule.Check(ctx, &mockMarket{tradesByUser: mkTrades(51)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	require.NotNil(t, finding)

	finding, err = rule.Check(ctx, &mockMarket{tradesByUser: mkTrades(50)}, &rule.SurveillanceRule, trade)
	require.NoError(t, err)
	assert.Nil(t, finding)

	// a trade without a submitting user stays quiet
	anon := sampleTrade()
	anon.UserID = ""
	finding, err = rule.Check(ctx, &mockMarket{tradesByUser: mkTrades(100)}, &rule.SurveillanceRule, anon)
	require.NoError(t, err)
	assert.Nil(t, finding)
}
