package executor

import (
	"context"
	"errors"
	"testing"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		Enabled:        true,
		MaxRetries:     2,
		RetryBackoffMs: 1,
	}
}

func testDescriptor() core.ExecutionDescriptor {
	return core.ExecutionDescriptor{
		TriggerID:     "t1",
		Leg:           1,
		ObservedPrice: decimal.NewFromInt(100),
		Order: core.OrderPayload{
			TradingSymbol:   "NIFTY25SEPFUT",
			Exchange:        "NFO",
			TransactionType: core.TransactionSell,
			Quantity:        50,
			OrderType:       "MARKET",
			Product:         "MIS",
			Validity:        "DAY",
		},
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	b := mock.NewBroker("OID-1")
	e := New(b, testConfig(), mock.NewLogger())

	orderID, err := e.Execute(context.Background(), testDescriptor(), core.BrokerConnection{})
	require.NoError(t, err)
	assert.Equal(t, "OID-1", orderID)
	assert.Equal(t, 1, b.CallCount())
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	b := &mock.Broker{Responses: []mock.BrokerResponse{
		{Err: errors.New("connection reset by peer")},
		{Err: errors.New("gateway timeout")},
		{OrderID: "OID-2"},
	}}
	e := New(b, testConfig(), mock.NewLogger())

	orderID, err := e.Execute(context.Background(), testDescriptor(), core.BrokerConnection{})
	require.NoError(t, err)
	assert.Equal(t, "OID-2", orderID)
	assert.Equal(t, 3, b.CallCount(), "two retries after the first failure")
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	b := &mock.Broker{Responses: []mock.BrokerResponse{
		{Err: errors.New("temporarily unavailable")},
	}}
	e := New(b, testConfig(), mock.NewLogger())

	_, err := e.Execute(context.Background(), testDescriptor(), core.BrokerConnection{})
	require.Error(t, err)
	assert.Equal(t, 3, b.CallCount(), "max_retries+1 attempts total")
}

func TestExecuteDoesNotRetryPermanentRejections(t *testing.T) {
	cases := []string{
		"Insufficient funds in account",
		"insufficient margin available",
		"Invalid quantity for instrument",
		"invalid price",
		"INVALID SYMBOL",
		"instrument is blocked for trading",
		"account disabled",
		"Order window closed for the day",
		"market closed",
	}
	for _, msg := range cases {
		b := &mock.Broker{Responses: []mock.BrokerResponse{
			{Err: errors.New(msg)},
		}}
		e := New(b, testConfig(), mock.NewLogger())

		_, err := e.Execute(context.Background(), testDescriptor(), core.BrokerConnection{})
		require.Error(t, err, msg)
		assert.Equal(t, 1, b.CallCount(), "no retry for %q", msg)
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	b := &mock.Broker{Responses: []mock.BrokerResponse{
		{Err: errors.New("timeout")},
	}}
	cfg := testConfig()
	cfg.RetryBackoffMs = 60000
	e := New(b, cfg, mock.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, testDescriptor(), core.BrokerConnection{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancel must cut the backoff short")
}

func TestIsPermanentClassifier(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("connection refused")))
	assert.True(t, IsPermanent(errors.New("rejected: Insufficient Funds")))
}
