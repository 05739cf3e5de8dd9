package surveillance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/brokerage/compliance-engine/configs"
	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/marketdata"
	"github.com/brokerage/compliance-engine/internal/models"
	"github.com/brokerage/compliance-engine/internal/queue"
)

// RunRepository is the slice of run persistence the engine needs.
type RunRepository interface {
	Create(ctx context.Context, run *models.SurveillanceRun) error
	Update(ctx context.Context, run *models.SurveillanceRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SurveillanceRun, error)
	ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.SurveillanceRun, error)
}

// TradeSource supplies trades for the scheduled sweep.
type TradeSource interface {
	CreatedSince(ctx context.Context, since time.Time) ([]*models.Trade, error)
}

// Engine runs the trade-surveillance detection layers. A batch run
// applies the per-trade catalog to each trade and the cross-trade
// detectors to the batch as a whole; the scheduled sweep applies only
// the per-trade catalog to recent ledger activity.
type Engine struct {
	runs     RunRepository
	alerts   *AlertManager
	market   marketdata.Provider
	trades   TradeSource
	bus      *events.Bus
	cache    *queue.CacheClient
	catalog  []*TradeRule
	patterns []*PatternDetector

	concurrency   int
	lookupTimeout time.Duration
	sweepWindow   time.Duration
}

// NewEngine wires an engine with the default rule catalog and pattern
// detectors. cache may be nil when Redis is not configured.
func NewEngine(
	runs RunRepository,
	alerts *AlertManager,
	market marketdata.Provider,
	trades TradeSource,
	bus *events.Bus,
	cache *queue.CacheClient,
	cfg configs.SurveillanceConfig,
) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}
	sweepWindow := cfg.SweepWindow
	if sweepWindow <= 0 {
		sweepWindow = time.Hour
	}

	return &Engine{
		runs:          runs,
		alerts:        alerts,
		market:        market,
		trades:        trades,
		bus:           bus,
		cache:         cache,
		catalog:       DefaultCatalog(),
		patterns:      DefaultPatterns(),
		concurrency:   concurrency,
		lookupTimeout: lookupTimeout,
		sweepWindow:   sweepWindow,
	}
}

// MonitorRequest is one synchronous batch-monitoring call.
type MonitorRequest struct {
	PortfolioID string
	UserID      string
	Trades      []*models.Trade
}

// MonitorTrades runs both detection layers over the batch. The run row
// is inserted with status=monitoring before any detection starts; if
// that insert fails nothing else happens and the error propagates.
// Detection failures inside a single rule are contained, but a failure
// to persist alerts or the terminal run update marks the run failed
// and returns the error.
func (e *Engine) MonitorTrades(ctx context.Context, req MonitorRequest) (*models.SurveillanceRun, error) {
	run := &models.SurveillanceRun{
		ID:          uuid.New(),
		PortfolioID: req.PortfolioID,
		UserID:      req.UserID,
		TradeCount:  len(req.Trades),
		Status:      models.RunStatusMonitoring,
		CreatedAt:   time.Now(),
	}

	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create surveillance run: %w", err)
	}

	log.Info().
		Str("run_id", run.ID.String()).
		Str("portfolio_id", req.PortfolioID).
		Int("trade_count", len(req.Trades)).
		Msg("Surveillance run started")

	perTrade := e.evaluateBatch(ctx, run, req.Trades)
	crossTrade := e.evaluatePatterns(run, req.Trades)
	alerts := append(perTrade, crossTrade...)

	// Terminal writes survive caller cancellation so a completed run
	// is never recorded as stuck.
	detached := context.WithoutCancel(ctx)

	if err := e.alerts.CreateAlerts(detached, alerts); err != nil {
		return nil, e.failRun(detached, run, fmt.Errorf("persist alerts: %w", err))
	}

	run.Alerts = alerts
	run.AlertIDs = make([]string, len(alerts))
	for i, a := range alerts {
		run.AlertIDs[i] = a.ID.String()
	}
	run.Status = models.RunStatusCompleted
	now := time.Now()
	run.CompletedAt = &now

	if err := e.runs.Update(detached, run); err != nil {
		return nil, e.failRun(detached, run, fmt.Errorf("complete surveillance run: %w", err))
	}

	for _, a := range alerts {
		e.bus.Publish(detached, events.SurveillanceAlert, a)
	}
	e.cacheLastRun(detached, run)

	log.Info().
		Str("run_id", run.ID.String()).
		Int("alert_count", len(alerts)).
		Msg("Surveillance run completed")

	return run, nil
}

// GetRun retrieves one surveillance run by id.
func (e *Engine) GetRun(ctx context.Context, id uuid.UUID) (*models.SurveillanceRun, error) {
	return e.runs.GetByID(ctx, id)
}

// GetRunsByPortfolio lists recent runs for a portfolio, newest first.
func (e *Engine) GetRunsByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.SurveillanceRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.runs.ListByPortfolio(ctx, portfolioID, limit)
}

// evaluateBatch applies the per-trade catalog to every trade, bounded
// by the configured concurrency. Results keep batch order so repeated
// runs over the same input produce the same alert sequence.
func (e *Engine) evaluateBatch(ctx context.Context, run *models.SurveillanceRun, trades []*models.Trade) []*models.Alert {
	results := make([][]*models.Alert, len(trades))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, trade := range trades {
		i, trade := i, trade
		g.Go(func() error {
			results[i] = e.evaluateTrade(gctx, run.PortfolioID, run.UserID, trade)
			return nil
		})
	}
	g.Wait()

	var alerts []*models.Alert
	for _, r := range results {
		alerts = append(alerts, r...)
	}
	return alerts
}

// evaluateTrade applies every enabled catalog rule to one trade. A
// rule that errors or panics is logged and skipped; it never blocks
// the other rules.
func (e *Engine) evaluateTrade(ctx context.Context, portfolioID, userID string, trade *models.Trade) []*models.Alert {
	var alerts []*models.Alert
	for _, rule := range e.catalog {
		if !rule.Enabled {
			continue
		}

		finding, err := e.safeCheck(ctx, rule, trade)
		if err != nil {
			log.Error().Err(&models.EvaluationError{Unit: rule.ID, Err: err}).
				Str("trade_id", trade.ID.String()).
				Msg("Surveillance rule check failed")
			continue
		}
		if finding == nil {
			continue
		}

		tradeID := trade.ID
		alerts = append(alerts, &models.Alert{
			ID:          uuid.New(),
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Category:    rule.Category,
			Severity:    rule.Severity,
			TradeID:     &tradeID,
			Symbol:      trade.Symbol,
			Message:     finding.Message,
			Details:     finding.Details,
			PortfolioID: portfolioID,
			UserID:      userID,
			Status:      models.AlertStatusActive,
			CreatedAt:   time.Now(),
		})
	}
	return alerts
}

// safeCheck runs one rule under the lookup timeout with panic recovery.
func (e *Engine) safeCheck(ctx context.Context, rule *TradeRule, trade *models.Trade) (finding *Finding, err error) {
	cctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("panic in rule %s: %v", rule.ID, r)
		}
	}()

	return rule.Check(cctx, e.market, &rule.SurveillanceRule, trade)
}

// evaluatePatterns applies the cross-trade detectors to the batch.
// Each detector emits at most one alert, with no trade id.
func (e *Engine) evaluatePatterns(run *models.SurveillanceRun, trades []*models.Trade) []*models.Alert {
	var alerts []*models.Alert
	for _, p := range e.patterns {
		finding := e.safeDetect(p, trades)
		if finding == nil {
			continue
		}

		alerts = append(alerts, &models.Alert{
			ID:          uuid.New(),
			RuleID:      p.ID,
			RuleName:    p.Name,
			Category:    models.RuleCategoryTradeSurveillance,
			Severity:    p.Severity,
			Message:     finding.Message,
			Details:     finding.Details,
			PortfolioID: run.PortfolioID,
			UserID:      run.UserID,
			Status:      models.AlertStatusActive,
			CreatedAt:   time.Now(),
		})
	}
	return alerts
}

func (e *Engine) safeDetect(p *PatternDetector, trades []*models.Trade) (finding *Finding) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			log.Error().Str("pattern", p.ID).Interface("panic", r).
				Msg("Pattern detector panicked")
		}
	}()
	return p.Detect(trades)
}

// failRun marks the run failed with the causing error and returns that
// error. The terminal update itself failing is logged, not surfaced;
// the original cause is what the caller needs.
func (e *Engine) failRun(ctx context.Context, run *models.SurveillanceRun, cause error) error {
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	now := time.Now()
	run.CompletedAt = &now

	if err := e.runs.Update(ctx, run); err != nil {
		log.Error().Err(err).
			Str("run_id", run.ID.String()).
			Msg("Failed to record failed surveillance run")
	}
	return cause
}

// cacheLastRun publishes the latest completed run per portfolio as a
// derived read-through key. Cache failures are logged only.
func (e *Engine) cacheLastRun(ctx context.Context, run *models.SurveillanceRun) {
	if e.cache == nil {
		return
	}
	key := "surveillance:last_run:" + run.PortfolioID
	if err := e.cache.Set(ctx, key, run, 24*time.Hour); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID.String()).
			Msg("Failed to cache surveillance run")
	}
}
