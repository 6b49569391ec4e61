package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksProcessedTotal  = "trigger_engine_ticks_processed_total"
	MetricTriggersFiredTotal   = "trigger_engine_triggers_fired_total"
	MetricOrdersPlacedTotal    = "trigger_engine_orders_placed_total"
	MetricOrdersFailedTotal    = "trigger_engine_orders_failed_total"
	MetricTriggersActive       = "trigger_engine_triggers_active"
	MetricTriggersInFlight     = "trigger_engine_triggers_in_flight"
	MetricFeedConnected        = "trigger_engine_feed_connected"
	MetricFeedReconnectsTotal  = "trigger_engine_feed_reconnects_total"
	MetricMalformedFramesTotal = "trigger_engine_malformed_frames_total"
	MetricLatencyTickToOrder   = "trigger_engine_latency_tick_to_order_ms"
	MetricWebhooksTotal        = "trigger_engine_webhooks_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksProcessedTotal  metric.Int64Counter
	TriggersFiredTotal   metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	TriggersActive       metric.Int64ObservableGauge
	TriggersInFlight     metric.Int64ObservableGauge
	FeedConnected        metric.Int64ObservableGauge
	FeedReconnectsTotal  metric.Int64Counter
	MalformedFramesTotal metric.Int64Counter
	LatencyTickToOrder   metric.Float64Histogram
	WebhooksTotal        metric.Int64Counter

	// State for observable gauges
	mu            sync.RWMutex
	activeCount   int64
	inFlightCount int64
	feedUp        int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments
// start against the global meter provider (a no-op until Setup runs)
// so callers never hold nil instruments.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("trigger_engine"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksProcessedTotal, err = meter.Int64Counter(MetricTicksProcessedTotal, metric.WithDescription("Total feed ticks processed"))
	if err != nil {
		return err
	}

	m.TriggersFiredTotal, err = meter.Int64Counter(MetricTriggersFiredTotal, metric.WithDescription("Total trigger conditions met"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total broker orders accepted"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total broker orders exhausted or rejected"))
	if err != nil {
		return err
	}

	m.FeedReconnectsTotal, err = meter.Int64Counter(MetricFeedReconnectsTotal, metric.WithDescription("Total feed reconnect attempts"))
	if err != nil {
		return err
	}

	m.MalformedFramesTotal, err = meter.Int64Counter(MetricMalformedFramesTotal, metric.WithDescription("Total malformed binary frames skipped"))
	if err != nil {
		return err
	}

	m.WebhooksTotal, err = meter.Int64Counter(MetricWebhooksTotal, metric.WithDescription("Total webhook signals received"))
	if err != nil {
		return err
	}

	m.LatencyTickToOrder, err = meter.Float64Histogram(MetricLatencyTickToOrder, metric.WithDescription("Time from tick receipt to order dispatch"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TriggersActive, err = meter.Int64ObservableGauge(MetricTriggersActive, metric.WithDescription("Triggers currently indexed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TriggersInFlight, err = meter.Int64ObservableGauge(MetricTriggersInFlight, metric.WithDescription("Triggers currently being processed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.inFlightCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FeedConnected, err = meter.Int64ObservableGauge(MetricFeedConnected, metric.WithDescription("Feed connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.feedUp)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveTriggers(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCount = count
}

func (m *MetricsHolder) SetInFlight(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightCount = count
}

// InFlight reads the gauge back, for tests and the stats endpoint.
func (m *MetricsHolder) InFlight() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlightCount
}

func (m *MetricsHolder) SetFeedConnected(up bool) {
	val := int64(0)
	if up {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedUp = val
}

// WebhookOutcomeAttr labels webhook counter increments by outcome.
func WebhookOutcomeAttr(outcome string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}
