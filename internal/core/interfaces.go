// Package core defines the shared types and interfaces of the trigger engine.
package core

import (
	"context"
	"time"
)

// ITriggerIndex is the in-memory container of active triggers, keyed
// by instrument, with a per-trigger single-flight guard.
type ITriggerIndex interface {
	// Add indexes the trigger iff its status is active.
	Add(t *Trigger)
	// Remove drops the trigger from all maps. Idempotent.
	Remove(id string)
	// ForInstrument returns a snapshot of the triggers watching the
	// token, safe to iterate under concurrent mutation.
	ForInstrument(token uint32) []*Trigger
	// MarkProcessing atomically claims the id; true iff the caller is
	// now the sole processor.
	MarkProcessing(id string) bool
	UnmarkProcessing(id string)
	// OCOSibling returns the id of the other leg of a two-leg pair,
	// or "" if there is none.
	OCOSibling(id string) string
	// SubscribedInstruments lists the distinct instrument tokens in
	// the index, for feed subscription.
	SubscribedInstruments() []uint32
	Count() int
	// InFlightCount returns the number of claimed triggers, for the
	// in-flight gauge.
	InFlightCount() int
	Clear()
}

// TickHandler consumes decoded ticks. It must not block: the feed
// reader delivers ticks in feed order on a single goroutine.
type TickHandler func(Tick)

// IFeedManager owns the long-lived market-data connection.
type IFeedManager interface {
	Connect(ctx context.Context) error
	// Disconnect closes the connection and suppresses reconnection.
	Disconnect()
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetTickHandler(h TickHandler)
	IsConnected() bool
	// SubscribedTokens returns the tokens the manager will (re)subscribe
	// to, surviving reconnects.
	SubscribedTokens() []uint32
}

// IOrderExecutor dispatches a fired trigger's order with bounded
// retry. Stateless across calls; single-flight is the caller's job.
type IOrderExecutor interface {
	Execute(ctx context.Context, desc ExecutionDescriptor, conn BrokerConnection) (orderID string, err error)
}

// IRiskChecker gates order placement after the fire decision.
type IRiskChecker interface {
	// Check returns a non-nil error naming the violated limit.
	Check(ctx context.Context, userID string, now time.Time) error
}

// ITriggerStore is the durable store. On any conflict with in-memory
// state, the store wins.
type ITriggerStore interface {
	// Trigger lifecycle
	LoadActiveTriggers(ctx context.Context) ([]*Trigger, error)
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	InsertTriggerPair(ctx context.Context, stop, target *Trigger) error

	// Atomic transitions (the State Writer)
	// Claim transitions active -> processing; false when the row is
	// no longer active or, for a pair, the sibling already claimed.
	Claim(ctx context.Context, id, parentID string) (bool, error)
	// Release undoes a claim that did not lead to a terminal state.
	Release(ctx context.Context, id string) error
	MarkTriggered(ctx context.Context, id string, leg int, price string, orderID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	// Cancel is conditional on status=active (or processing for own
	// row rollback); a no-op once the row left active. Returns whether
	// a row was updated.
	Cancel(ctx context.Context, id, reason string) (bool, error)
	AppendTradeLog(ctx context.Context, e TradeLogEntry) error

	// Singleton election and liveness
	AcquireEngineLock(ctx context.Context, instanceID string) (bool, error)
	UpdateHeartbeat(ctx context.Context, instanceID string, stats EngineStats) error
	ReleaseEngineLock(ctx context.Context, instanceID string) error
	EngineState(ctx context.Context) (*EngineState, error)
	// SetEngineError records a start failure on the lock row so health
	// can surface it; acquiring the lock clears it.
	SetEngineError(ctx context.Context, instanceID, msg string) error

	// Risk bookkeeping (read-only limits, counter procs)
	RiskLimits(ctx context.Context, userID string) (*RiskLimits, error)
	IncrementDailyTradeCount(ctx context.Context, userID string) error
	ResetDailyRiskCounters(ctx context.Context) error

	// Broker accounts and reference data
	ActiveBrokerConnections(ctx context.Context) ([]BrokerConnection, error)
	BrokerConnectionByID(ctx context.Context, id string) (*BrokerConnection, error)
	ActiveFutures(ctx context.Context, underlying string, onOrAfter time.Time) ([]FutureContract, error)
	PositionFor(ctx context.Context, symbol, exchange, brokerAccountID string) (*Position, error)

	// Gateway persistence
	WebhookKeyByKey(ctx context.Context, key string) (*WebhookKey, error)
	TouchWebhookKey(ctx context.Context, id string) error
	InsertOrder(ctx context.Context, o OrderRecord) error
	AppendWebhookLog(ctx context.Context, l WebhookLog) error
	InsertNotification(ctx context.Context, n Notification) error
}

// ILogger is the structured logging seam shared by every component.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
