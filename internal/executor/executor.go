// Package executor dispatches a fired trigger's order to the broker
// with bounded retry.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// permanentSubstrings mark broker rejections that no retry can fix.
// Matched case-insensitively against the broker's message.
var permanentSubstrings = []string{
	"insufficient funds",
	"insufficient margin",
	"invalid quantity",
	"invalid price",
	"invalid symbol",
	"blocked",
	"disabled",
	"order window closed",
	"market closed",
}

// IsPermanent reports whether the error is a rejection that retrying
// cannot change.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrOrderRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range permanentSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// OrderPlacer is the single-attempt transport the executor retries.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, conn core.BrokerConnection, order core.OrderPayload) (string, error)
}

// Executor implements core.IOrderExecutor. It is stateless across
// calls; single-flight is the engine's job.
type Executor struct {
	placer  OrderPlacer
	logger  core.ILogger
	retries int
	backoff time.Duration
}

// New creates an executor with the configured retry budget.
func New(placer OrderPlacer, cfg config.EngineConfig, logger core.ILogger) *Executor {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.RetryBackoff()
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Executor{
		placer:  placer,
		logger:  logger.WithField("component", "order_executor"),
		retries: retries,
		backoff: backoff,
	}
}

// Execute places the order, retrying transient failures up to the
// configured budget with doubling backoff. Permanent rejections stop
// on the first attempt.
func (e *Executor) Execute(ctx context.Context, desc core.ExecutionDescriptor, conn core.BrokerConnection) (string, error) {
	maxBackoff := e.backoff
	for i := 0; i < e.retries; i++ {
		maxBackoff *= 2
	}

	policy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		WithBackoff(e.backoff, maxBackoff).
		WithMaxRetries(e.retries).
		OnRetry(func(ev failsafe.ExecutionEvent[string]) {
			e.logger.Warn("Order attempt failed, retrying",
				"trigger_id", desc.TriggerID,
				"attempt", ev.Attempts(),
				"error", ev.LastError())
		}).
		Build()

	orderID, err := failsafe.With[string](policy).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
			return e.placer.PlaceOrder(ctx, conn, desc.Order)
		})
	if err != nil {
		if IsPermanent(err) {
			e.logger.Error("Order permanently rejected",
				"trigger_id", desc.TriggerID,
				"symbol", desc.Order.TradingSymbol,
				"error", err)
		} else {
			e.logger.Error("Order retries exhausted",
				"trigger_id", desc.TriggerID,
				"symbol", desc.Order.TradingSymbol,
				"attempts", e.retries+1,
				"error", err)
		}
		return "", err
	}

	e.logger.Info("Order placed",
		"trigger_id", desc.TriggerID,
		"order_id", orderID,
		"symbol", desc.Order.TradingSymbol,
		"side", string(desc.Order.TransactionType),
		"quantity", desc.Order.Quantity)
	return orderID, nil
}
