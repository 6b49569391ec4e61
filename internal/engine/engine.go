// Package engine is the supervisor: it wins the singleton election,
// monitors the feed against the trigger index, and runs the firing
// pipeline for every condition met.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/internal/evaluate"
	"trigger_engine/pkg/apperrors"
	"trigger_engine/pkg/concurrency"
	"trigger_engine/pkg/telemetry"

	"github.com/google/uuid"
)

// Health states reported by the control surface.
const (
	HealthRunning = "running"
	HealthStopped = "stopped"
	HealthStandby = "standby"
	HealthStale   = "stale"
)

const ocoCancelReason = "OCO sibling executed"

// Engine ties the index, feed, evaluator, risk checker and executor
// together. Exactly one instance per database monitors at a time; the
// rest run standby and take over when the holder's heartbeat goes
// stale.
type Engine struct {
	cfg      config.EngineConfig
	store    core.ITriggerStore
	index    core.ITriggerIndex
	feed     core.IFeedManager
	executor core.IOrderExecutor
	risk     core.IRiskChecker
	logger   core.ILogger

	instanceID string
	stats      *Stats
	pool       *concurrency.WorkerPool
	metrics    *telemetry.MetricsHolder

	mu         sync.Mutex
	shouldRun  bool
	leader     bool
	kick       chan struct{}
	lastDay    int
}

// New creates the engine. Run starts the supervision loop.
func New(
	cfg config.EngineConfig,
	poolCfg config.ConcurrencyConfig,
	store core.ITriggerStore,
	index core.ITriggerIndex,
	feed core.IFeedManager,
	executor core.IOrderExecutor,
	risk core.IRiskChecker,
	logger core.ILogger,
) *Engine {
	log := logger.WithField("component", "engine")
	return &Engine{
		cfg:        cfg,
		store:      store,
		index:      index,
		feed:       feed,
		executor:   executor,
		risk:       risk,
		logger:     log,
		instanceID: uuid.NewString(),
		stats:      newStats(),
		metrics:    telemetry.GetGlobalMetrics(),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "execution",
			MaxWorkers:  poolCfg.ExecutionPoolSize,
			MaxCapacity: poolCfg.ExecutionPoolBuffer,
			NonBlocking: true,
		}, log),
		shouldRun: cfg.Enabled,
		kick:      make(chan struct{}, 1),
	}
}

// InstanceID returns this process's election identity.
func (e *Engine) InstanceID() string { return e.instanceID }

// Run supervises until the context ends: contend for the lock, lead
// while it holds, fall back to standby when it is lost. Implements
// the bootstrap Runner contract.
func (e *Engine) Run(ctx context.Context) error {
	defer e.pool.Stop()

	interval := e.cfg.HealthCheckInterval()
	for {
		if ctx.Err() != nil {
			e.shutdown()
			return nil
		}

		if !e.isDesired() {
			e.waitKick(ctx, interval)
			continue
		}

		acquired, err := e.store.AcquireEngineLock(ctx, e.instanceID)
		if err != nil {
			e.logger.Error("Engine lock acquisition failed", "error", err)
			e.waitKick(ctx, interval)
			continue
		}
		if !acquired {
			e.logger.Debug("Standby: another instance holds the engine lock")
			e.waitKick(ctx, interval)
			continue
		}

		if err := e.lead(ctx); err != nil {
			e.logger.Error("Leadership ended with error", "error", err)
			e.waitKick(ctx, e.cfg.RetryBackoff())
		}
	}
}

// lead runs the monitoring session: load, subscribe, heartbeat. It
// returns when the context ends, the instance is paused, or the lock
// is lost.
func (e *Engine) lead(ctx context.Context) error {
	e.logger.Info("Engine lock acquired, starting monitoring", "instance_id", e.instanceID)

	if err := e.startMonitoring(ctx); err != nil {
		if serr := e.store.SetEngineError(ctx, e.instanceID, err.Error()); serr != nil {
			e.logger.Warn("Engine error write failed", "error", serr)
		}
		e.stopMonitoring(ctx, fmt.Sprintf("start failed: %v", err))
		return err
	}

	e.setLeader(true)
	defer e.setLeader(false)

	heartbeat := e.cfg.HealthCheckInterval() / 3
	if heartbeat < time.Second {
		heartbeat = time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stopMonitoring(ctx, "")
			return nil
		case <-e.kick:
			if !e.isDesired() {
				e.stopMonitoring(ctx, "")
				e.logger.Info("Engine paused by operator")
				return nil
			}
		case <-ticker.C:
			e.maybeResetDailyCounters(ctx)
			snap := e.stats.Snapshot(e.index.Count(), e.feed.IsConnected())
			e.metrics.SetActiveTriggers(snap.ActiveTriggers)
			if err := e.store.UpdateHeartbeat(ctx, e.instanceID, snap); err != nil {
				// Losing the heartbeat means another instance may have
				// taken over; step down rather than double-monitor.
				e.stopMonitoring(ctx, "")
				return fmt.Errorf("heartbeat lost, stepping down: %w", err)
			}
		}
	}
}

// startMonitoring builds the in-memory state and opens the feed:
// load active triggers, index them, subscribe, connect.
func (e *Engine) startMonitoring(ctx context.Context) error {
	e.stats.reset(time.Now())

	triggers, err := e.store.LoadActiveTriggers(ctx)
	if err != nil {
		return fmt.Errorf("loading active triggers: %w", err)
	}

	e.index.Clear()
	for _, t := range triggers {
		e.index.Add(t)
	}

	e.feed.SetTickHandler(e.onTick)
	if err := e.feed.Connect(ctx); err != nil {
		return fmt.Errorf("connecting feed: %w", err)
	}
	if tokens := e.index.SubscribedInstruments(); len(tokens) > 0 {
		if err := e.feed.Subscribe(tokens); err != nil {
			return fmt.Errorf("subscribing %d instruments: %w", len(tokens), err)
		}
	}

	e.logger.Info("Monitoring started",
		"triggers", len(triggers),
		"instruments", len(e.index.SubscribedInstruments()))
	return nil
}

func (e *Engine) stopMonitoring(ctx context.Context, errMsg string) {
	e.feed.Disconnect()
	e.index.Clear()
	e.metrics.SetActiveTriggers(0)
	e.metrics.SetInFlight(0)

	releaseCtx := ctx
	if releaseCtx.Err() != nil {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.store.ReleaseEngineLock(releaseCtx, e.instanceID); err != nil {
		e.logger.Warn("Failed to release engine lock", "error", err)
	}
	if errMsg != "" {
		e.logger.Error("Monitoring stopped with error", "error", errMsg)
	} else {
		e.logger.Info("Monitoring stopped")
	}
}

func (e *Engine) shutdown() {
	if e.isLeader() {
		e.stopMonitoring(context.Background(), "")
	}
}

// onTick is the hot path: hash lookup, pure evaluation, async fire.
func (e *Engine) onTick(tick core.Tick) {
	e.stats.tickProcessed(tick.Timestamp)
	e.metrics.TicksProcessedTotal.Add(context.Background(), 1)

	for _, t := range e.index.ForInstrument(tick.InstrumentToken) {
		desc := evaluate.Evaluate(t, tick)
		if desc == nil {
			continue
		}
		if !e.index.MarkProcessing(t.ID) {
			continue
		}

		e.metrics.SetInFlight(int64(e.index.InFlightCount()))

		trigger := t
		fired := *desc
		if err := e.pool.Submit(func() {
			e.fire(trigger, fired)
		}); err != nil {
			// Pool saturated. The claim is undone so the next tick
			// retries instead of wedging the trigger.
			e.index.UnmarkProcessing(t.ID)
			e.metrics.SetInFlight(int64(e.index.InFlightCount()))
			e.logger.Error("Execution pool rejected fire", "trigger_id", t.ID, "error", err)
		}
	}
}

// fire runs the firing pipeline for one claimed trigger: durable
// claim, risk check, order, terminal write, sibling cancel.
func (e *Engine) fire(t *core.Trigger, desc core.ExecutionDescriptor) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log := e.logger.WithFields(map[string]interface{}{
		"trigger_id": t.ID,
		"leg":        desc.Leg,
		"symbol":     t.TradingSymbol,
		"price":      desc.ObservedPrice.String(),
	})

	// The sibling id must be taken before any index mutation: once this
	// row is removed the pair link goes with it.
	sibID := e.index.OCOSibling(t.ID)
	defer func() {
		e.index.UnmarkProcessing(t.ID)
		if sibID != "" {
			e.index.UnmarkProcessing(sibID)
		}
		e.metrics.SetInFlight(int64(e.index.InFlightCount()))
	}()

	claimed, err := e.store.Claim(ctx, t.ID, t.ParentID)
	if err != nil {
		log.Error("Durable claim failed, trigger left active", "error", err)
		return
	}
	if !claimed {
		// Another instance or an external edit got here first. The
		// change feed will deliver the row's real state.
		log.Info("Claim lost, skipping fire")
		e.index.Remove(t.ID)
		return
	}

	e.stats.triggerFired()
	e.metrics.TriggersFiredTotal.Add(ctx, 1)
	log.Info("Trigger condition met")

	if err := e.risk.Check(ctx, t.UserID, time.Now()); err != nil {
		log.Warn("Fire rejected by risk limits", "error", err)
		e.finalizeFailed(ctx, t, fmt.Sprintf("risk rejected: %v", err))
		return
	}

	conn, err := e.store.BrokerConnectionByID(ctx, t.BrokerAccountID)
	if err != nil {
		// A store read hiccup is not the trigger's fault. Undo the
		// durable claim so a later tick fires it again.
		log.Error("Broker account read failed, claim released", "error", err)
		if rerr := e.store.Release(ctx, t.ID); rerr != nil {
			log.Error("Claim release failed", "error", rerr)
		}
		return
	}
	if conn == nil || !conn.Active {
		reason := fmt.Sprintf("%v: %s", apperrors.ErrNoBrokerAccount, t.BrokerAccountID)
		log.Error("Fire failed before order placement", "reason", reason)
		e.finalizeFailed(ctx, t, reason)
		return
	}

	orderID, err := e.executor.Execute(ctx, desc, *conn)
	if err != nil {
		e.stats.orderFailed()
		e.metrics.OrdersFailedTotal.Add(ctx, 1)
		e.finalizeFailed(ctx, t, fmt.Sprintf("order failed: %v", err))
		return
	}

	e.stats.orderPlaced()
	e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	e.metrics.LatencyTickToOrder.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err := e.store.MarkTriggered(ctx, t.ID, desc.Leg, desc.ObservedPrice.String(), orderID); err != nil {
		log.Error("Order placed but terminal write failed", "order_id", orderID, "error", err)
	}
	e.index.Remove(t.ID)

	e.cancelSibling(ctx, sibID, log)

	if err := e.store.AppendTradeLog(ctx, core.TradeLogEntry{
		TriggerID:     t.ID,
		UserID:        t.UserID,
		TradingSymbol: t.TradingSymbol,
		Exchange:      t.Exchange,
		Leg:           desc.Leg,
		Side:          desc.Order.TransactionType,
		Quantity:      desc.Order.Quantity,
		ObservedPrice: desc.ObservedPrice,
		OrderID:       orderID,
		FiredAt:       started,
	}); err != nil {
		log.Warn("Trade log append failed", "error", err)
	}
	if err := e.store.IncrementDailyTradeCount(ctx, t.UserID); err != nil {
		log.Warn("Daily trade count increment failed", "error", err)
	}

	e.pruneSubscription(t.InstrumentToken)
	log.Info("Trigger executed", "order_id", orderID)
}

// finalizeFailed writes the failed state and drops the trigger from
// the index. A failed trigger needs operator attention, not a silent
// re-arm.
func (e *Engine) finalizeFailed(ctx context.Context, t *core.Trigger, reason string) {
	if err := e.store.MarkFailed(ctx, t.ID, reason); err != nil {
		e.logger.Error("Failed-state write failed", "trigger_id", t.ID, "error", err)
	}
	e.index.Remove(t.ID)
	e.pruneSubscription(t.InstrumentToken)
}

// cancelSibling retires the other row of an OCO pair after a fire.
func (e *Engine) cancelSibling(ctx context.Context, sibID string, log core.ILogger) {
	if sibID == "" {
		return
	}

	cancelled, err := e.store.Cancel(ctx, sibID, ocoCancelReason)
	if err != nil {
		log.Error("OCO sibling cancel failed", "sibling_id", sibID, "error", err)
		return
	}
	if cancelled {
		log.Info("OCO sibling cancelled", "sibling_id", sibID)
	}
	e.index.Remove(sibID)
}

// pruneSubscription unsubscribes an instrument no trigger watches.
func (e *Engine) pruneSubscription(token uint32) {
	if len(e.index.ForInstrument(token)) > 0 {
		return
	}
	if err := e.feed.Unsubscribe([]uint32{token}); err != nil {
		e.logger.Warn("Unsubscribe failed", "token", token, "error", err)
	}
}

// OnChange applies one store-side mutation to the index. Wired to the
// change listener by bootstrap.
func (e *Engine) OnChange(ev core.ChangeEvent) {
	if !e.isLeader() {
		return
	}

	switch ev.Action {
	case core.ChangeDelete:
		var token uint32
		if ev.Trigger != nil {
			token = ev.Trigger.InstrumentToken
		}
		e.index.Remove(ev.ID)
		if token != 0 {
			e.pruneSubscription(token)
		}
	case core.ChangeInsert, core.ChangeUpdate:
		if ev.Trigger == nil {
			e.index.Remove(ev.ID)
			return
		}
		e.index.Add(ev.Trigger)
		if ev.Trigger.Status == core.StatusActive {
			if err := e.feed.Subscribe([]uint32{ev.Trigger.InstrumentToken}); err != nil {
				e.logger.Warn("Subscribe for changed trigger failed",
					"trigger_id", ev.ID, "token", ev.Trigger.InstrumentToken, "error", err)
			}
		} else {
			e.pruneSubscription(ev.Trigger.InstrumentToken)
		}
	}
}

// Resync reloads the full active set. Wired to the change listener's
// reconnect hook: anything missed while detached is repaired here.
func (e *Engine) Resync() {
	if !e.isLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	triggers, err := e.store.LoadActiveTriggers(ctx)
	if err != nil {
		e.logger.Error("Resync load failed", "error", err)
		return
	}
	e.index.Clear()
	for _, t := range triggers {
		e.index.Add(t)
	}
	if tokens := e.index.SubscribedInstruments(); len(tokens) > 0 {
		if err := e.feed.Subscribe(tokens); err != nil {
			e.logger.Error("Resync subscribe failed", "error", err)
		}
	}
	e.logger.Info("Index resynced from store", "triggers", len(triggers))
}

// Pause stops monitoring until Resume. Exposed on the control surface.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.shouldRun = false
	e.mu.Unlock()
	e.kickLoop()
}

// Resume re-enters the election.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.shouldRun = true
	e.mu.Unlock()
	e.kickLoop()
}

// HealthReport is the /health payload.
type HealthReport struct {
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Stats     core.EngineStats `json:"stats"`
	Heartbeat time.Time        `json:"heartbeat"`
	Instance  string           `json:"instance"`
}

// Health reports this deployment's monitoring state, consulting the
// shared lock row when this instance is not the leader.
func (e *Engine) Health(ctx context.Context) string {
	st, _ := e.store.EngineState(ctx)
	return e.healthStatus(st)
}

// CheckHealth assembles the full health payload: monitoring status,
// the last persisted start error, counters, heartbeat and instance
// identity. A standby reports the lock holder's instance, not its own.
func (e *Engine) CheckHealth(ctx context.Context) HealthReport {
	rep := HealthReport{Instance: e.instanceID, Stats: e.Stats()}
	st, err := e.store.EngineState(ctx)
	if err == nil && st != nil {
		rep.Error = st.EngineError
		rep.Heartbeat = st.LastHeartbeat
		if !e.isLeader() && st.IsRunning {
			rep.Instance = st.InstanceID
		}
	}
	rep.Status = e.healthStatus(st)
	return rep
}

func (e *Engine) healthStatus(st *core.EngineState) string {
	if e.isLeader() {
		return HealthRunning
	}
	if !e.isDesired() {
		return HealthStopped
	}
	if st == nil || !st.IsRunning {
		return HealthStandby
	}
	if time.Since(st.LastHeartbeat) > 2*e.cfg.HealthCheckInterval() {
		return HealthStale
	}
	return HealthStandby
}

// Stats returns the current counters.
func (e *Engine) Stats() core.EngineStats {
	return e.stats.Snapshot(e.index.Count(), e.feed.IsConnected())
}

func (e *Engine) isDesired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldRun
}

func (e *Engine) isLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *Engine) setLeader(v bool) {
	e.mu.Lock()
	e.leader = v
	e.mu.Unlock()
}

func (e *Engine) kickLoop() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) waitKick(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.kick:
	case <-time.After(d):
	}
}

// maybeResetDailyCounters invokes the daily reset once when the local
// date rolls over.
func (e *Engine) maybeResetDailyCounters(ctx context.Context) {
	day := time.Now().YearDay()
	e.mu.Lock()
	changed := day != e.lastDay
	e.lastDay = day
	e.mu.Unlock()
	if !changed {
		return
	}
	if err := e.store.ResetDailyRiskCounters(ctx); err != nil {
		e.logger.Warn("Daily risk counter reset failed", "error", err)
	}
}
