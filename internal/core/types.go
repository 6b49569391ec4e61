package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerStatus is the lifecycle state of a trigger.
type TriggerStatus string

const (
	StatusActive     TriggerStatus = "active"
	StatusProcessing TriggerStatus = "processing"
	StatusTriggered  TriggerStatus = "triggered"
	StatusFailed     TriggerStatus = "failed"
	StatusCancelled  TriggerStatus = "cancelled"
	StatusExpired    TriggerStatus = "expired"
)

// Terminal reports whether the status is final. Terminal triggers are
// never mutated again.
func (s TriggerStatus) Terminal() bool {
	switch s {
	case StatusTriggered, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ConditionType distinguishes single-threshold triggers from
// stop-loss/target (OCO) pairs.
type ConditionType string

const (
	ConditionSingle ConditionType = "single"
	ConditionTwoLeg ConditionType = "two-leg"
)

// TransactionType is the side of the order placed when the trigger
// fires. For a two-leg trigger it is the exit side of the position.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// Opposite returns the other side.
func (t TransactionType) Opposite() TransactionType {
	if t == TransactionBuy {
		return TransactionSell
	}
	return TransactionBuy
}

// Leg holds the per-leg attributes of a trigger. By convention leg 1
// is the stop-loss and leg 2 the target.
type Leg struct {
	Product      string          `json:"product"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	OrderPrice   decimal.Decimal `json:"order_price"` // informational only
	Quantity     int             `json:"quantity"`
}

// Trigger is a host-monitored conditional order. The engine watches
// the feed and places the order when the condition is met.
//
// A two-leg OCO pair is persisted as two rows sharing ParentID, each
// carrying both leg prices. Whichever row fires first wins; the
// sibling row is cancelled.
type Trigger struct {
	ID              string
	UserID          string
	BrokerAccountID string
	Exchange        string
	TradingSymbol   string
	InstrumentToken uint32
	ConditionType   ConditionType
	TransactionType TransactionType
	Leg1            Leg
	Leg2            *Leg // present iff ConditionType == two-leg
	ParentID        string
	// ReferencePrice is the market price at creation time. When set,
	// a leg only fires if the price strictly crossed its threshold
	// since creation. Nil for triggers created before reference-price
	// tracking existed; those fire on the bare comparison.
	ReferencePrice *decimal.Decimal
	Status         TriggerStatus
	Meta           map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TwoLeg reports whether the trigger is one row of an OCO pair.
func (t *Trigger) TwoLeg() bool { return t.ConditionType == ConditionTwoLeg }

// LegAttrs returns the attributes of the given leg (1 or 2).
func (t *Trigger) LegAttrs(leg int) Leg {
	if leg == 2 && t.Leg2 != nil {
		return *t.Leg2
	}
	return t.Leg1
}

// Tick is one price update from the market-data feed. Not persisted.
type Tick struct {
	InstrumentToken uint32
	LastPrice       decimal.Decimal
	Timestamp       time.Time
}

// ExecutionDescriptor is the evaluator's verdict that a leg fired.
// Transient: produced by the evaluator, consumed by the executor.
type ExecutionDescriptor struct {
	TriggerID     string
	Leg           int // 1 or 2
	ObservedPrice decimal.Decimal
	Order         OrderPayload
}

// OrderPayload is the broker order derived from a fired leg. The
// engine places MARKET DAY orders only.
type OrderPayload struct {
	TradingSymbol   string
	Exchange        string
	TransactionType TransactionType
	Quantity        int
	OrderType       string // always "MARKET"
	Product         string
	Validity        string // always "DAY"
}

// BrokerConnection holds one account's upstream credentials. The
// engine treats it read-only; the owning user manages it.
type BrokerConnection struct {
	ID          string
	UserID      string
	APIKey      string
	AccessToken string
	Active      bool
	ExpiresAt   time.Time
}

// EngineStats are the counters written with every heartbeat and served
// by the stats endpoint.
type EngineStats struct {
	TicksProcessed int64     `json:"ticks_processed"`
	TriggersFired  int64     `json:"triggers_fired"`
	OrdersPlaced   int64     `json:"orders_placed"`
	OrdersFailed   int64     `json:"orders_failed"`
	ActiveTriggers int64     `json:"active_triggers"`
	FeedConnected  bool      `json:"feed_connected"`
	LastTickAt     time.Time `json:"last_tick_at"`
	StartedAt      time.Time `json:"started_at"`
}

// EngineState is the single well-known row used for singleton election
// and liveness observation.
type EngineState struct {
	InstanceID    string
	IsRunning     bool
	LastHeartbeat time.Time
	Stats         EngineStats
	EngineError   string
}

// Position is a read-only broker position, consumed only to surface
// breakeven hints. Never part of the fire decision.
type Position struct {
	Symbol          string
	Exchange        string
	BrokerAccountID string
	AvgPrice        decimal.Decimal
	Quantity        int
}

// RiskLimits is the per-user risk record gating order placement.
type RiskLimits struct {
	UserID          string
	KillSwitch      bool
	MaxDailyTrades  int
	DailyTradeCount int
	DailyPnL        decimal.Decimal
	DailyLossFloor  decimal.Decimal // negative rupee amount; zero disables
	CutoffHour      int             // no fires at/after this local hour; zero disables
	CutoffMinute    int
}

// TradeLogEntry is the audit row written per fired trigger.
type TradeLogEntry struct {
	TriggerID     string
	UserID        string
	TradingSymbol string
	Exchange      string
	Leg           int
	Side          TransactionType
	Quantity      int
	ObservedPrice decimal.Decimal
	OrderID       string
	FiredAt       time.Time
}

// WebhookKey authenticates strategy signals on the gateway.
type WebhookKey struct {
	ID               string
	Key              string
	UserID           string
	BrokerAccountIDs []string
	Active           bool
	LastUsedAt       time.Time
}

// FutureContract is one row of the derivatives instrument master.
type FutureContract struct {
	TradingSymbol   string
	Underlying      string
	Exchange        string
	InstrumentToken uint32
	Expiry          time.Time
	LotSize         int
}

// WebhookLog is the audit row appended for every gateway request,
// accepted or rejected.
type WebhookLog struct {
	SourceIP   string
	RawPayload string
	Outcome    string // "success", "rejected", "error"
	Reason     string
	ReceivedAt time.Time
}

// OrderRecord is the persisted record of an order the gateway placed.
type OrderRecord struct {
	OrderID         string
	UserID          string
	BrokerAccountID string
	TradingSymbol   string
	Exchange        string
	Side            TransactionType
	Quantity        int
	Price           decimal.Decimal
	Product         string
	PlacedAt        time.Time
}

// Notification is a user-facing message summarizing an engine action.
type Notification struct {
	UserID    string
	Title     string
	Body      string
	CreatedAt time.Time
}

// ChangeAction is the kind of store-side CRUD event the listener
// receives.
type ChangeAction string

const (
	ChangeInsert ChangeAction = "INSERT"
	ChangeUpdate ChangeAction = "UPDATE"
	ChangeDelete ChangeAction = "DELETE"
)

// ChangeEvent is one external mutation of the triggers table. The
// store is the durable truth; the index is repaired from these.
type ChangeEvent struct {
	Action  ChangeAction
	Trigger *Trigger // nil for DELETE
	ID      string   // always set
}
