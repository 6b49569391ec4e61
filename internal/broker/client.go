// Package broker is the HTTP transport to the order-placement API.
// One call is one attempt; retry policy belongs to the executor.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"
	"trigger_engine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError carries the broker's rejection verbatim so the executor
// can classify it.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker rejected order: status=%d api_status=%s message=%s", e.StatusCode, e.Status, e.Message)
}

// Unwrap classifies 4xx replies as permanent rejections. 5xx and 429
// stay unwrapped so the executor treats them as retryable.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return apperrors.ErrOrderRejected
	}
	return nil
}

// orderResponse is the API envelope for order placement.
type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// Client places orders against the broker REST API. A circuit breaker
// sits on the transport so a dead broker does not absorb every fire's
// full retry budget.
type Client struct {
	baseURL string
	client  *http.Client
	breaker failsafe.Executor[*http.Response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a broker client from config.
func NewClient(cfg config.BrokerConfig) *Client {
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("broker-client")
	meter := telemetry.GetMeter("broker-client")

	reqCounter, _ := meter.Int64Counter("broker_requests_total",
		metric.WithDescription("Total number of broker API requests"))
	errCounter, _ := meter.Int64Counter("broker_errors_total",
		metric.WithDescription("Total number of broker API errors"))
	latencyHist, _ := meter.Float64Histogram("broker_request_duration_seconds",
		metric.WithDescription("Broker API request latency in seconds"))

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout(),
		},
		breaker:     failsafe.With[*http.Response](breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// PlaceOrder submits one regular order. Success requires a 2xx reply
// whose envelope says "success" and carries an order id.
func (c *Client) PlaceOrder(ctx context.Context, conn core.BrokerConnection, order core.OrderPayload) (string, error) {
	form := url.Values{}
	form.Set("tradingsymbol", order.TradingSymbol)
	form.Set("exchange", order.Exchange)
	form.Set("transaction_type", string(order.TransactionType))
	form.Set("quantity", strconv.Itoa(order.Quantity))
	form.Set("order_type", order.OrderType)
	form.Set("product", order.Product)
	form.Set("validity", order.Validity)

	ctx, span := c.tracer.Start(ctx, "POST /orders/regular",
		trace.WithAttributes(
			attribute.String("order.symbol", order.TradingSymbol),
			attribute.String("order.side", string(order.TransactionType)),
			attribute.Int("order.quantity", order.Quantity),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/regular", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+conn.APIKey+":"+conn.AccessToken)

	start := time.Now()
	resp, err := c.breaker.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})

	c.reqCounter.Add(ctx, 1)
	c.latencyHist.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error", "transport")))
		return "", fmt.Errorf("order request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed orderResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("unparseable broker response: %w", jsonErr)
	}

	if resp.StatusCode >= 300 || parsed.Status != "success" || parsed.Data.OrderID == "" {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Status:     parsed.Status,
			Message:    msg,
		}
	}

	return parsed.Data.OrderID, nil
}
