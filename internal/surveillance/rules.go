package surveillance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/brokerage/compliance-engine/internal/marketdata"
	"github.com/brokerage/compliance-engine/internal/models"
)

// Finding is a fired detection: a human-readable message plus the
// structured metric comparison that triggered it.
type Finding struct {
	Message string
	Details models.JSONB
}

// TradeRule is one entry of the fixed per-trade catalog. Check looks
// up supporting history through the market-data provider and returns
// a Finding when the rule's threshold is strictly exceeded, nil when
// there is no signal. Missing supporting data is no signal, never an
// error.
type TradeRule struct {
	models.SurveillanceRule
	Check func(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error)
}

// DefaultCatalog returns the eight per-trade surveillance rules in
// their fixed evaluation order.
func DefaultCatalog() []*TradeRule {
	return []*TradeRule{
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "unusual_volume",
				Name:        "Unusual Volume",
				Description: "Trade volume far above the symbol's rolling average",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityMedium,
				Enabled:     true,
				Threshold:   3.0,
				Window:      24 * time.Hour,
			},
			Check: checkUnusualVolume,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "price_manipulation",
				Name:        "Price Manipulation",
				Description: "Trade price deviating sharply from the recent average",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityHigh,
				Enabled:     true,
				Threshold:   0.10,
				Window:      time.Hour,
			},
			Check: checkPriceManipulation,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "wash_trading",
				Name:        "Wash Trading",
				Description: "High share of same-account trades in recent activity",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityCritical,
				Enabled:     true,
				Threshold:   0.8,
				Window:      24 * time.Hour,
				MinTrades:   5,
			},
			Check: checkWashTrading,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "front_running",
				Name:        "Front Running",
				Description: "Price impact following large recent orders",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityHigh,
				Enabled:     true,
				Threshold:   0.05,
				Window:      30 * time.Minute,
			},
			Check: checkFrontRunning,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "layering",
				Name:        "Layering",
				Description: "Burst of orders from one account in a short sequence",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityHigh,
				Enabled:     true,
				Threshold:   10,
				Window:      10 * time.Minute,
			},
			Check: checkLayering,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "spoofing",
				Name:        "Spoofing",
				Description: "High cancellation ratio on large recent orders",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityHigh,
				Enabled:     true,
				Threshold:   0.5,
				Window:      15 * time.Minute,
				MinTrades:   4,
			},
			Check: checkSpoofing,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "insider_trading",
				Name:        "Insider Trading",
				Description: "Sharp price move following a recent news event",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityCritical,
				Enabled:     true,
				Threshold:   0.15,
				Window:      24 * time.Hour,
			},
			Check: checkInsiderTrading,
		},
		{
			SurveillanceRule: models.SurveillanceRule{
				ID:          "market_abuse",
				Name:        "Market Abuse",
				Description: "Excessive trade frequency by one user in a window",
				Category:    models.RuleCategoryTradeSurveillance,
				Severity:    models.SeverityMedium,
				Enabled:     true,
				Threshold:   50,
				Window:      time.Hour,
			},
			Check: checkMarketAbuse,
		},
	}
}

// checkUnusualVolume fires when trade volume exceeds threshold times
// the rolling average for the symbol. A zero average is no signal.
func checkUnusualVolume(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	avgVolume, err := market.AverageVolume(ctx, trade.Symbol, rule.Window)
	if err != nil {
		return nil, err
	}
	if avgVolume <= 0 {
		return nil, nil
	}

	ratio := trade.Quantity / avgVolume
	if ratio <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("volume %.0f is %.1fx the rolling average for %s", trade.Quantity, ratio, trade.Symbol),
		Details: models.JSONB{
			"volume":         trade.Quantity,
			"average_volume": avgVolume,
			"volume_ratio":   ratio,
			"threshold":      rule.Threshold,
		},
	}, nil
}

// checkPriceManipulation fires when the trade price deviates from the
// recent average by more than the threshold fraction.
func checkPriceManipulation(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	avgPrice, err := market.AveragePrice(ctx, trade.Symbol, rule.Window)
	if err != nil {
		return nil, err
	}
	if avgPrice <= 0 {
		return nil, nil
	}

	deviation := math.Abs(trade.Price-avgPrice) / avgPrice
	if deviation <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("price %.2f deviates %.1f%% from the recent average for %s", trade.Price, deviation*100, trade.Symbol),
		Details: models.JSONB{
			"price":           trade.Price,
			"average_price":   avgPrice,
			"price_deviation": deviation,
			"threshold":       rule.Threshold,
		},
	}, nil
}

// checkWashTrading fires when the same-account share of the buyer's
// recent trades strictly exceeds the threshold, with a minimum sample
// size. A ratio exactly at the threshold does not fire.
func checkWashTrading(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	recent, err := market.RecentTradesByAccount(ctx, trade.BuyerAccount, rule.Window)
	if err != nil {
		return nil, err
	}
	if len(recent) < rule.MinTrades {
		return nil, nil
	}

	sameAccount := 0
	for _, t := range recent {
		if t.BuyerAccount != "" && t.BuyerAccount == t.SellerAccount {
			sameAccount++
		}
	}

	ratio := float64(sameAccount) / float64(len(recent))
	if ratio <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("%d of %d recent trades by account %s are same-account", sameAccount, len(recent), trade.BuyerAccount),
		Details: models.JSONB{
			"same_account_trades": sameAccount,
			"recent_trade_count":  len(recent),
			"same_account_ratio":  ratio,
			"threshold":           rule.Threshold,
		},
	}, nil
}

// checkFrontRunning fires when large orders recently preceded the
// trade and the symbol moved more than the threshold fraction since
// the oldest of them.
func checkFrontRunning(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	const largeOrderSize = 10000

	orders, err := market.RecentOrders(ctx, trade.Symbol, largeOrderSize, rule.Window)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	// Newest first: the last entry is the earliest large order.
	earliest := orders[len(orders)-1]
	change, err := market.PriceChange(ctx, trade.Symbol, earliest.CreatedAt)
	if err != nil {
		return nil, err
	}

	impact := math.Abs(change)
	if impact <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("%.1f%% price impact on %s following %d large orders", impact*100, trade.Symbol, len(orders)),
		Details: models.JSONB{
			"price_impact":      impact,
			"large_order_count": len(orders),
			"min_order_size":    float64(largeOrderSize),
			"threshold":         rule.Threshold,
		},
	}, nil
}

// checkLayering fires when one account placed more than threshold
// orders inside the sequence window.
func checkLayering(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	orders, err := market.RecentOrdersByAccount(ctx, trade.BuyerAccount, rule.Window)
	if err != nil {
		return nil, err
	}

	count := float64(len(orders))
	if count <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("account %s placed %d orders within %s", trade.BuyerAccount, len(orders), rule.Window),
		Details: models.JSONB{
			"order_count": len(orders),
			"window":      rule.Window.String(),
			"threshold":   rule.Threshold,
		},
	}, nil
}

// checkSpoofing fires when the cancellation ratio on large recent
// orders strictly exceeds the threshold, with a minimum sample size.
func checkSpoofing(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	const largeOrderSize = 10000

	orders, err := market.RecentOrders(ctx, trade.Symbol, largeOrderSize, rule.Window)
	if err != nil {
		return nil, err
	}
	if len(orders) < rule.MinTrades {
		return nil, nil
	}

	cancelled := 0
	for _, o := range orders {
		if o.Status == models.OrderStatusCancelled {
			cancelled++
		}
	}

	ratio := float64(cancelled) / float64(len(orders))
	if ratio <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("%d of %d large orders on %s were cancelled", cancelled, len(orders), trade.Symbol),
		Details: models.JSONB{
			"cancelled_orders":   cancelled,
			"large_order_count":  len(orders),
			"cancellation_ratio": ratio,
			"threshold":          rule.Threshold,
		},
	}, nil
}

// checkInsiderTrading fires when the symbol moved more than the
// threshold fraction since a news event inside the window.
func checkInsiderTrading(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	news, err := market.RecentNews(ctx, trade.Symbol, rule.Window)
	if err != nil {
		return nil, err
	}
	if len(news) == 0 {
		return nil, nil
	}

	// Newest first: the last item is the earliest event in the window.
	earliest := news[len(news)-1]
	change, err := market.PriceChange(ctx, trade.Symbol, earliest.PublishedAt)
	if err != nil {
		return nil, err
	}

	move := math.Abs(change)
	if move <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("%.1f%% move on %s since news %q", move*100, trade.Symbol, earliest.Headline),
		Details: models.JSONB{
			"price_move":    move,
			"news_headline": earliest.Headline,
			"news_at":       earliest.PublishedAt,
			"threshold":     rule.Threshold,
		},
	}, nil
}

// checkMarketAbuse fires when the submitting user traded more than
// threshold times inside the window.
func checkMarketAbuse(ctx context.Context, market marketdata.Provider, rule *models.SurveillanceRule, trade *models.Trade) (*Finding, error) {
	if trade.UserID == "" {
		return nil, nil
	}

	recent, err := market.RecentTradesByUser(ctx, trade.UserID, rule.Window)
	if err != nil {
		return nil, err
	}

	frequency := float64(len(recent))
	if frequency <= rule.Threshold {
		return nil, nil
	}

	return &Finding{
		Message: fmt.Sprintf("user %s traded %d times within %s", trade.UserID, len(recent), rule.Window),
		Details: models.JSONB{
			"trade_frequency": len(recent),
			"window":          rule.Window.String(),
			"threshold":       rule.Threshold,
		},
	}, nil
}
