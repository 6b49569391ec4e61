package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder() core.OrderPayload {
	return core.OrderPayload{
		TradingSymbol:   "NIFTY25SEPFUT",
		Exchange:        "NFO",
		TransactionType: core.TransactionSell,
		Quantity:        50,
		OrderType:       "MARKET",
		Product:         "MIS",
		Validity:        "DAY",
	}
}

func testConn() core.BrokerConnection {
	return core.BrokerConnection{APIKey: "apikey", AccessToken: "token123", Active: true}
}

func TestPlaceOrderEncodesRequest(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r
		form = r.PostForm
		w.Write([]byte(`{"status":"success","data":{"order_id":"230915000001"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, TimeoutMs: 5000})
	orderID, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, "230915000001", orderID)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/orders/regular", got.URL.Path)
	assert.Equal(t, "3", got.Header.Get("X-Kite-Version"))
	assert.Equal(t, "token apikey:token123", got.Header.Get("Authorization"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))

	assert.Equal(t, []string{"NIFTY25SEPFUT"}, form["tradingsymbol"])
	assert.Equal(t, []string{"NFO"}, form["exchange"])
	assert.Equal(t, []string{"SELL"}, form["transaction_type"])
	assert.Equal(t, []string{"50"}, form["quantity"])
	assert.Equal(t, []string{"MARKET"}, form["order_type"])
	assert.Equal(t, []string{"MIS"}, form["product"])
	assert.Equal(t, []string{"DAY"}, form["validity"])
}

func TestPlaceOrderRejectionCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"Insufficient funds"}`))
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, TimeoutMs: 5000})
	_, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "error", apiErr.Status)
	assert.Equal(t, "Insufficient funds", apiErr.Message)
	assert.Contains(t, err.Error(), "Insufficient funds")

	// A 4xx is a rejection: the executor must not burn retries on it.
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
}

func TestPlaceOrderServerErrorIsNotARejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"status":"error","message":"upstream timeout"}`))
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, TimeoutMs: 5000})
	_, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrOrderRejected)
}

func TestPlaceOrderRejectsEnvelopeWithoutOrderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{}}`))
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, TimeoutMs: 5000})
	_, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{BaseURL: srv.URL, TimeoutMs: 5000})

	// Enough 5xx replies trip the breaker; later calls fail fast
	// without reaching the server.
	for i := 0; i < 12; i++ {
		_, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
		require.Error(t, err)
	}

	before := hits.Load()
	_, err := c.PlaceOrder(context.Background(), testConn(), testOrder())
	require.Error(t, err)
	assert.Equal(t, before, hits.Load(), "open breaker must short-circuit the request")
}
