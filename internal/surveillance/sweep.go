package surveillance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/internal/events"
)

// SweepResult summarizes one scheduled surveillance sweep.
type SweepResult struct {
	TradesScanned int
	AlertsRaised  int
	StartedAt     time.Time
	Duration      time.Duration
}

// RunSurveillanceChecks sweeps trades recorded within the sweep window
// and applies the per-trade catalog to each. Unlike the batch API there
// is no run record: each alert is persisted and published individually,
// and a failure on one trade or one alert never stops the sweep.
func (e *Engine) RunSurveillanceChecks(ctx context.Context) (*SweepResult, error) {
	started := time.Now()

	trades, err := e.trades.CreatedSince(ctx, started.Add(-e.sweepWindow))
	if err != nil {
		return nil, fmt.Errorf("load trades for sweep: %w", err)
	}

	raised := 0
	for _, trade := range trades {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		for _, alert := range e.evaluateTrade(ctx, "", trade.UserID, trade) {
			if err := e.alerts.CreateAlert(ctx, alert); err != nil {
				log.Error().Err(err).
					Str("rule_id", alert.RuleID).
					Str("trade_id", trade.ID.String()).
					Msg("Failed to persist sweep alert")
				continue
			}
			e.bus.Publish(ctx, events.SurveillanceAlert, alert)
			raised++
		}
	}

	result := &SweepResult{
		TradesScanned: len(trades),
		AlertsRaised:  raised,
		StartedAt:     started,
		Duration:      time.Since(started),
	}

	log.Info().
		Int("trades_scanned", result.TradesScanned).
		Int("alerts_raised", result.AlertsRaised).
		Dur("duration", result.Duration).
		Msg("Surveillance sweep completed")

	return result, nil
}
