package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Rule is a configurable compliance rule stored in the rules table.
// The in-memory rule cache is a derived index over these rows; the
// database row is always the source of truth.
type Rule struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"` // KYC, AML, TRADE_SURVEILLANCE, REGULATORY_REPORTING, RISK_MANAGEMENT
	Type        string    `json:"type"`     // THRESHOLD, PATTERN, BEHAVIORAL, REGULATORY
	Conditions  JSONList  `json:"conditions"`
	Actions     []string  `json:"actions"`
	Severity    string    `json:"severity"` // low, medium, high, critical
	Status      string    `json:"status"`   // active, inactive
	Priority    int       `json:"priority"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleCategory enum values
const (
	RuleCategoryKYC                  = "KYC"
	RuleCategoryAML                  = "AML"
	RuleCategoryTradeSurveillance    = "TRADE_SURVEILLANCE"
	RuleCategoryRegulatoryReporting  = "REGULATORY_REPORTING"
	RuleCategoryRiskManagement       = "RISK_MANAGEMENT"
)

// RuleType enum values
const (
	RuleTypeThreshold  = "THRESHOLD"
	RuleTypePattern    = "PATTERN"
	RuleTypeBehavioral = "BEHAVIORAL"
	RuleTypeRegulatory = "REGULATORY"
)

// Severity enum values, shared by rules, violations and alerts
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// RuleStatus enum values
const (
	RuleStatusActive   = "active"
	RuleStatusInactive = "inactive"
)

// Violation is a confirmed breach of a stored compliance rule. Rule
// metadata is denormalized at creation time so the record survives
// rule edits and deletes.
type Violation struct {
	ID             uuid.UUID  `json:"id"`
	RuleID         uuid.UUID  `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	Category       string     `json:"category"`
	Severity       string     `json:"severity"`
	Description    string     `json:"description"`
	Details        JSONB      `json:"details,omitempty"`
	UserID         string     `json:"user_id"`
	PortfolioID    string     `json:"portfolio_id"`
	Status         string     `json:"status"` // open, acknowledged, resolved
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// ViolationStatus enum values
const (
	ViolationStatusOpen         = "open"
	ViolationStatusAcknowledged = "acknowledged"
	ViolationStatusResolved     = "resolved"
)

// SurveillanceRule is one entry of the fixed trading-pattern catalog.
// Unlike compliance rules these are not user-editable; thresholds and
// windows are tuned in the catalog itself.
type SurveillanceRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	Severity    string        `json:"severity"`
	Enabled     bool          `json:"enabled"`
	Threshold   float64       `json:"threshold"`
	Window      time.Duration `json:"window"`
	MinTrades   int           `json:"min_trades,omitempty"`
}

// SurveillanceRun records one invocation of the batch trade-monitoring
// operation. The row is inserted with status=monitoring before any
// detection work starts, so a crash mid-run leaves a durable stuck
// record instead of a silently lost attempt.
type SurveillanceRun struct {
	ID          uuid.UUID  `json:"id"`
	PortfolioID string     `json:"portfolio_id"`
	UserID      string     `json:"user_id"`
	TradeCount  int        `json:"trade_count"`
	Status      string     `json:"status"` // monitoring, completed, failed
	Alerts      []*Alert   `json:"alerts,omitempty"`
	AlertIDs    []string   `json:"alert_ids,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunStatus enum values
const (
	RunStatusMonitoring = "monitoring"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// Alert is a surveillance-detected suspicious-trading signal.
// Per-trade alerts carry the triggering trade id and symbol;
// cross-trade batch alerts carry a nil TradeID.
type Alert struct {
	ID          uuid.UUID  `json:"id"`
	RuleID      string     `json:"rule_id"`
	RuleName    string     `json:"rule_name"`
	Category    string     `json:"category"`
	Severity    string     `json:"severity"`
	TradeID     *uuid.UUID `json:"trade_id,omitempty"`
	Symbol      string     `json:"symbol,omitempty"`
	Message     string     `json:"message"`
	Details     JSONB      `json:"details"`
	PortfolioID string     `json:"portfolio_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"` // active, acknowledged, resolved
	CreatedAt   time.Time  `json:"created_at"`
}

// AlertStatus enum values
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Trade is a row of the trade ledger. The engine reads trades but
// never writes them; the ledger is owned by the execution service.
type Trade struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	OrderSize     float64   `json:"order_size"`
	BuyerAccount  string    `json:"buyer_account"`
	SellerAccount string    `json:"seller_account"`
	OrderType     string    `json:"order_type"` // market, limit
	Status        string    `json:"status"`     // filled, cancelled
	Timestamp     time.Time `json:"timestamp"`
}

// OrderType enum values
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// TradeStatus enum values
const (
	TradeStatusFilled    = "filled"
	TradeStatusCancelled = "cancelled"
)

// Order is an order-book entry supplied by the market-data collaborator,
// used by the front-running, layering and spoofing checks.
type Order struct {
	ID        uuid.UUID `json:"id"`
	Symbol    string    `json:"symbol"`
	Account   string    `json:"account"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"` // open, filled, cancelled
	CreatedAt time.Time `json:"created_at"`
}

// OrderStatus enum values
const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
)

// NewsItem is a recent news event for a symbol, consumed by the
// insider-trading check.
type NewsItem struct {
	ID          uuid.UUID `json:"id"`
	Symbol      string    `json:"symbol"`
	Headline    string    `json:"headline"`
	PublishedAt time.Time `json:"published_at"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// JSONList is a helper type for JSONB columns holding an ordered list
// of objects (rule conditions). The contents are opaque pass-through
// as far as storage is concerned.
type JSONList []map[string]interface{}

func (l JSONList) Value() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *JSONList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, l)
}
