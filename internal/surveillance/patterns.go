package surveillance

import (
	"fmt"
	"sort"

	"github.com/brokerage/compliance-engine/internal/models"
)

// PatternDetector inspects a whole trade batch for relationships no
// single trade exposes. Detect returns at most one Finding per batch;
// the resulting alert carries no trade id.
type PatternDetector struct {
	ID       string
	Name     string
	Severity string
	Detect   func(trades []*models.Trade) *Finding
}

// DefaultPatterns returns the cross-trade detectors in their fixed
// evaluation order.
func DefaultPatterns() []*PatternDetector {
	return []*PatternDetector{
		{
			ID:       "circular_trading",
			Name:     "Circular Trading",
			Severity: models.SeverityCritical,
			Detect:   detectCircularTrading,
		},
		{
			ID:       "cross_account_trading",
			Name:     "Cross-Account Trading",
			Severity: models.SeverityHigh,
			Detect:   detectCrossAccountTrading,
		},
		{
			ID:       "market_order_concentration",
			Name:     "Market Order Concentration",
			Severity: models.SeverityMedium,
			Detect:   detectMarketOrderConcentration,
		},
		{
			ID:       "price_ramp_up",
			Name:     "Upward Price Ramp",
			Severity: models.SeverityHigh,
			Detect:   detectPriceRampUp,
		},
		{
			ID:       "price_squeeze_down",
			Name:     "Downward Price Squeeze",
			Severity: models.SeverityHigh,
			Detect:   detectPriceSqueezeDown,
		},
	}
}

// detectCircularTrading flags trades where the same account sits on
// both sides.
func detectCircularTrading(trades []*models.Trade) *Finding {
	var ids []string
	for _, t := range trades {
		if t.BuyerAccount != "" && t.BuyerAccount == t.SellerAccount {
			ids = append(ids, t.ID.String())
		}
	}
	if len(ids) == 0 {
		return nil
	}

	return &Finding{
		Message: fmt.Sprintf("%d of %d trades in the batch have the same account on both sides", len(ids), len(trades)),
		Details: models.JSONB{
			"circular_trades": len(ids),
			"batch_size":      len(trades),
			"trade_ids":       sample(ids, 10),
		},
	}
}

// detectCrossAccountTrading flags account pairs that traded in both
// directions within the batch. Same-account trades are the circular
// detector's territory and are excluded here.
func detectCrossAccountTrading(trades []*models.Trade) *Finding {
	seen := make(map[string]bool)
	pairs := make(map[string]bool)
	for _, t := range trades {
		if t.BuyerAccount == "" || t.SellerAccount == "" || t.BuyerAccount == t.SellerAccount {
			continue
		}
		seen[t.BuyerAccount+"|"+t.SellerAccount] = true
		if seen[t.SellerAccount+"|"+t.BuyerAccount] {
			a, b := t.BuyerAccount, t.SellerAccount
			if b < a {
				a, b = b, a
			}
			pairs[a+"|"+b] = true
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	var keys []string
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &Finding{
		Message: fmt.Sprintf("%d account pairs traded in both directions within the batch", len(pairs)),
		Details: models.JSONB{
			"reciprocal_pairs": len(pairs),
			"batch_size":       len(trades),
			"account_pairs":    sample(keys, 10),
		},
	}
}

// detectMarketOrderConcentration flags batches dominated by market
// orders, a pattern consistent with aggressive price pressure.
func detectMarketOrderConcentration(trades []*models.Trade) *Finding {
	const (
		minMarketOrders = 3
		ratioThreshold  = 0.5
	)

	if len(trades) == 0 {
		return nil
	}

	marketOrders := 0
	for _, t := range trades {
		if t.OrderType == models.OrderTypeMarket {
			marketOrders++
		}
	}

	ratio := float64(marketOrders) / float64(len(trades))
	if marketOrders < minMarketOrders || ratio <= ratioThreshold {
		return nil
	}

	return &Finding{
		Message: fmt.Sprintf("%d of %d trades in the batch are market orders", marketOrders, len(trades)),
		Details: models.JSONB{
			"market_orders":      marketOrders,
			"batch_size":         len(trades),
			"market_order_ratio": ratio,
			"threshold":          ratioThreshold,
		},
	}
}

// detectPriceRampUp flags a symbol whose consecutive trade prices in
// the batch jump up by more than 10%.
func detectPriceRampUp(trades []*models.Trade) *Finding {
	return detectPriceMove(trades, 0.10, "upward price ramp")
}

// detectPriceSqueezeDown flags a symbol whose consecutive trade prices
// in the batch drop by more than 10%.
func detectPriceSqueezeDown(trades []*models.Trade) *Finding {
	return detectPriceMove(trades, -0.10, "downward price squeeze")
}

// detectPriceMove walks each symbol's trades in time order and flags
// the first consecutive move past the signed threshold.
func detectPriceMove(trades []*models.Trade, threshold float64, label string) *Finding {
	bySymbol := make(map[string][]*models.Trade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	var symbols []string
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		seq := bySymbol[symbol]
		sort.SliceStable(seq, func(i, j int) bool {
			return seq[i].Timestamp.Before(seq[j].Timestamp)
		})

		for i := 1; i < len(seq); i++ {
			prev := seq[i-1].Price
			if prev == 0 {
				continue
			}
			move := (seq[i].Price - prev) / prev
			if (threshold > 0 && move > threshold) || (threshold < 0 && move < threshold) {
				return &Finding{
					Message: fmt.Sprintf("%s on %s: %.2f to %.2f between consecutive trades", label, symbol, prev, seq[i].Price),
					Details: models.JSONB{
						"symbol":     symbol,
						"from_price": prev,
						"to_price":   seq[i].Price,
						"price_move": move,
						"threshold":  threshold,
					},
				}
			}
		}
	}
	return nil
}

func sample(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}
