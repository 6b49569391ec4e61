// Package store is the durable Postgres layer: trigger rows, atomic
// state transitions, the engine lock, and the change feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store implements core.ITriggerStore over a pgx pool.
type Store struct {
	pool      *pgxpool.Pool
	logger    core.ILogger
	lockStale time.Duration
}

// New connects the pool and verifies the database is reachable.
func New(ctx context.Context, cfg config.DatabaseConfig, logger core.ILogger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{
		pool:      pool,
		logger:    logger.WithField("component", "store"),
		lockStale: time.Minute,
	}, nil
}

// SetLockStaleness sets the heartbeat age past which a held lock may
// be taken over.
func (s *Store) SetLockStaleness(d time.Duration) {
	if d > 0 {
		s.lockStale = d
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for the change listener.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const triggerColumns = `
	id, user_id, broker_account_id, exchange, tradingsymbol, instrument_token,
	condition_type, transaction_type,
	leg1_product, leg1_trigger_price::text, COALESCE(leg1_order_price::text, ''), leg1_quantity,
	leg2_product, leg2_trigger_price::text, leg2_order_price::text, leg2_quantity,
	COALESCE(parent_id, ''), reference_price::text, status, meta, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanTrigger(row scannable) (*core.Trigger, error) {
	var (
		t                 core.Trigger
		leg1Trig, leg1Ord string
		leg2Product       *string
		leg2Trig, leg2Ord *string
		leg2Qty           *int
		refPrice          *string
	)

	err := row.Scan(
		&t.ID, &t.UserID, &t.BrokerAccountID, &t.Exchange, &t.TradingSymbol, &t.InstrumentToken,
		&t.ConditionType, &t.TransactionType,
		&t.Leg1.Product, &leg1Trig, &leg1Ord, &t.Leg1.Quantity,
		&leg2Product, &leg2Trig, &leg2Ord, &leg2Qty,
		&t.ParentID, &refPrice, &t.Status, &t.Meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Leg1.TriggerPrice, err = decimal.NewFromString(leg1Trig); err != nil {
		return nil, fmt.Errorf("trigger %s leg1 trigger price: %w", t.ID, err)
	}
	if leg1Ord != "" {
		if t.Leg1.OrderPrice, err = decimal.NewFromString(leg1Ord); err != nil {
			return nil, fmt.Errorf("trigger %s leg1 order price: %w", t.ID, err)
		}
	}

	if leg2Product != nil && leg2Trig != nil && leg2Qty != nil {
		leg2 := core.Leg{Product: *leg2Product, Quantity: *leg2Qty}
		if leg2.TriggerPrice, err = decimal.NewFromString(*leg2Trig); err != nil {
			return nil, fmt.Errorf("trigger %s leg2 trigger price: %w", t.ID, err)
		}
		if leg2Ord != nil && *leg2Ord != "" {
			if leg2.OrderPrice, err = decimal.NewFromString(*leg2Ord); err != nil {
				return nil, fmt.Errorf("trigger %s leg2 order price: %w", t.ID, err)
			}
		}
		t.Leg2 = &leg2
	}

	if refPrice != nil && *refPrice != "" {
		ref, err := decimal.NewFromString(*refPrice)
		if err != nil {
			return nil, fmt.Errorf("trigger %s reference price: %w", t.ID, err)
		}
		t.ReferencePrice = &ref
	}

	return &t, nil
}

// LoadActiveTriggers returns every active trigger row.
func (s *Store) LoadActiveTriggers(ctx context.Context) ([]*core.Trigger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("querying active triggers: %w", err)
	}
	defer rows.Close()

	var out []*core.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrigger fetches one row by id; nil when absent.
func (s *Store) GetTrigger(ctx context.Context, id string) (*core.Trigger, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

const insertTriggerSQL = `
	INSERT INTO triggers (
		id, user_id, broker_account_id, exchange, tradingsymbol, instrument_token,
		condition_type, transaction_type,
		leg1_product, leg1_trigger_price, leg1_order_price, leg1_quantity,
		leg2_product, leg2_trigger_price, leg2_order_price, leg2_quantity,
		parent_id, reference_price, status, meta, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20::jsonb,now(),now())`

func insertArgs(t *core.Trigger) []any {
	var (
		leg2Product *string
		leg2Trig    *string
		leg2Ord     *string
		leg2Qty     *int
		refPrice    *string
		parentID    *string
	)
	if t.Leg2 != nil {
		leg2Product = &t.Leg2.Product
		trig := t.Leg2.TriggerPrice.String()
		leg2Trig = &trig
		ord := t.Leg2.OrderPrice.String()
		leg2Ord = &ord
		leg2Qty = &t.Leg2.Quantity
	}
	if t.ReferencePrice != nil {
		r := t.ReferencePrice.String()
		refPrice = &r
	}
	if t.ParentID != "" {
		parentID = &t.ParentID
	}
	meta := t.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, _ := json.Marshal(meta)
	return []any{
		t.ID, t.UserID, t.BrokerAccountID, t.Exchange, t.TradingSymbol, t.InstrumentToken,
		string(t.ConditionType), string(t.TransactionType),
		t.Leg1.Product, t.Leg1.TriggerPrice.String(), t.Leg1.OrderPrice.String(), t.Leg1.Quantity,
		leg2Product, leg2Trig, leg2Ord, leg2Qty,
		parentID, refPrice, string(t.Status), string(metaJSON),
	}
}

// InsertTriggerPair writes both rows of an OCO pair in one
// transaction so a half-created pair cannot exist.
func (s *Store) InsertTriggerPair(ctx context.Context, stop, target *core.Trigger) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pair insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertTriggerSQL, insertArgs(stop)...); err != nil {
		return fmt.Errorf("inserting stop row: %w", err)
	}
	if target != nil {
		if _, err := tx.Exec(ctx, insertTriggerSQL, insertArgs(target)...); err != nil {
			return fmt.Errorf("inserting target row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Singleton election and liveness, all via stored procedures so the
// stale-takeover rule lives in one place.

// AcquireEngineLock claims the lock row; true when this instance now
// holds it. A lock whose heartbeat is older than the staleness window
// is taken over.
func (s *Store) AcquireEngineLock(ctx context.Context, instanceID string) (bool, error) {
	var acquired bool
	err := s.pool.QueryRow(ctx,
		`SELECT acquire_engine_lock($1, $2)`, instanceID, int(s.lockStale.Seconds())).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("acquiring engine lock: %w", err)
	}
	return acquired, nil
}

// UpdateHeartbeat refreshes the lock row's heartbeat and stats. An
// error return includes losing the lock to another instance.
func (s *Store) UpdateHeartbeat(ctx context.Context, instanceID string, stats core.EngineStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding heartbeat stats: %w", err)
	}
	var ok bool
	err = s.pool.QueryRow(ctx,
		`SELECT update_engine_heartbeat($1, $2::jsonb)`, instanceID, string(payload)).Scan(&ok)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	if !ok {
		return fmt.Errorf("heartbeat rejected: instance %s no longer holds the lock", instanceID)
	}
	return nil
}

// ReleaseEngineLock gives the lock up voluntarily.
func (s *Store) ReleaseEngineLock(ctx context.Context, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `SELECT release_engine_lock($1)`, instanceID); err != nil {
		return fmt.Errorf("releasing engine lock: %w", err)
	}
	return nil
}

// SetEngineError records a monitoring start failure on the lock row.
// The next successful lock acquisition clears it.
func (s *Store) SetEngineError(ctx context.Context, instanceID, msg string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE engine_state SET engine_error = NULLIF($2, '')
		 WHERE id = 1 AND instance_id = $1`, instanceID, msg); err != nil {
		return fmt.Errorf("recording engine error: %w", err)
	}
	return nil
}

// EngineState reads the lock row for the health endpoint; nil when no
// instance ever ran.
func (s *Store) EngineState(ctx context.Context) (*core.EngineState, error) {
	var st core.EngineState
	err := s.pool.QueryRow(ctx,
		`SELECT instance_id, is_running, last_heartbeat, COALESCE(stats, '{}'::jsonb), COALESCE(engine_error, '')
		 FROM engine_state WHERE id = 1`).
		Scan(&st.InstanceID, &st.IsRunning, &st.LastHeartbeat, &st.Stats, &st.EngineError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading engine state: %w", err)
	}
	return &st, nil
}

// Risk bookkeeping

// RiskLimits reads the user's limits row; nil when the user has none.
func (s *Store) RiskLimits(ctx context.Context, userID string) (*core.RiskLimits, error) {
	var (
		l          core.RiskLimits
		pnl, floor string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, kill_switch, max_daily_trades, daily_trade_count,
		        COALESCE(daily_pnl, 0)::text, COALESCE(daily_loss_floor, 0)::text,
		        COALESCE(cutoff_hour, 0), COALESCE(cutoff_minute, 0)
		 FROM risk_limits WHERE user_id = $1`, userID).
		Scan(&l.UserID, &l.KillSwitch, &l.MaxDailyTrades, &l.DailyTradeCount,
			&pnl, &floor, &l.CutoffHour, &l.CutoffMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading risk limits: %w", err)
	}
	if l.DailyPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("risk limits daily pnl: %w", err)
	}
	if l.DailyLossFloor, err = decimal.NewFromString(floor); err != nil {
		return nil, fmt.Errorf("risk limits loss floor: %w", err)
	}
	return &l, nil
}

// IncrementDailyTradeCount bumps the user's daily counter.
func (s *Store) IncrementDailyTradeCount(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `SELECT increment_daily_trade_count($1)`, userID); err != nil {
		return fmt.Errorf("incrementing daily trade count: %w", err)
	}
	return nil
}

// ResetDailyRiskCounters zeroes every user's daily counters, called
// once per trading day.
func (s *Store) ResetDailyRiskCounters(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT reset_daily_risk_counters()`); err != nil {
		return fmt.Errorf("resetting daily risk counters: %w", err)
	}
	return nil
}

// Broker accounts and reference data

// ActiveBrokerConnections lists accounts usable for order placement.
func (s *Store) ActiveBrokerConnections(ctx context.Context) ([]core.BrokerConnection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, api_key, access_token, is_active, COALESCE(expires_at, 'epoch'::timestamptz)
		 FROM broker_connections WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("querying broker connections: %w", err)
	}
	defer rows.Close()

	var out []core.BrokerConnection
	for rows.Next() {
		var c core.BrokerConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.APIKey, &c.AccessToken, &c.Active, &c.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BrokerConnectionByID fetches one account; nil when absent.
func (s *Store) BrokerConnectionByID(ctx context.Context, id string) (*core.BrokerConnection, error) {
	var c core.BrokerConnection
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, api_key, access_token, is_active, COALESCE(expires_at, 'epoch'::timestamptz)
		 FROM broker_connections WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.APIKey, &c.AccessToken, &c.Active, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading broker connection: %w", err)
	}
	return &c, nil
}

// ActiveFutures lists contracts for the underlying expiring on or
// after the given date, soonest first.
func (s *Store) ActiveFutures(ctx context.Context, underlying string, onOrAfter time.Time) ([]core.FutureContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tradingsymbol, underlying, exchange, instrument_token, expiry, lot_size
		 FROM futures_instruments
		 WHERE underlying = $1 AND expiry >= $2
		 ORDER BY expiry ASC`, underlying, onOrAfter)
	if err != nil {
		return nil, fmt.Errorf("querying futures instruments: %w", err)
	}
	defer rows.Close()

	var out []core.FutureContract
	for rows.Next() {
		var f core.FutureContract
		if err := rows.Scan(&f.TradingSymbol, &f.Underlying, &f.Exchange, &f.InstrumentToken, &f.Expiry, &f.LotSize); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PositionFor reads a broker position snapshot; nil when the account
// holds none. Informational only.
func (s *Store) PositionFor(ctx context.Context, symbol, exchange, brokerAccountID string) (*core.Position, error) {
	var (
		p   core.Position
		avg string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tradingsymbol, exchange, broker_account_id, COALESCE(avg_price, 0)::text, quantity
		 FROM positions
		 WHERE tradingsymbol = $1 AND exchange = $2 AND broker_account_id = $3`,
		symbol, exchange, brokerAccountID).
		Scan(&p.Symbol, &p.Exchange, &p.BrokerAccountID, &avg, &p.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading position: %w", err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("position avg price: %w", err)
	}
	return &p, nil
}

// Gateway persistence

// WebhookKeyByKey resolves a key string; nil when unknown.
func (s *Store) WebhookKeyByKey(ctx context.Context, key string) (*core.WebhookKey, error) {
	var k core.WebhookKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, key, user_id, COALESCE(broker_account_ids, '{}'), is_active, COALESCE(last_used_at, 'epoch'::timestamptz)
		 FROM webhook_keys WHERE key = $1`, key).
		Scan(&k.ID, &k.Key, &k.UserID, &k.BrokerAccountIDs, &k.Active, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading webhook key: %w", err)
	}
	return &k, nil
}

// TouchWebhookKey records the key's last use.
func (s *Store) TouchWebhookKey(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE webhook_keys SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touching webhook key: %w", err)
	}
	return nil
}

// InsertOrder persists an order the gateway placed.
func (s *Store) InsertOrder(ctx context.Context, o core.OrderRecord) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO orders (order_id, user_id, broker_account_id, tradingsymbol, exchange,
		                     transaction_type, quantity, price, product, placed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.OrderID, o.UserID, o.BrokerAccountID, o.TradingSymbol, o.Exchange,
		o.Side, o.Quantity, o.Price.String(), o.Product, o.PlacedAt); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// AppendWebhookLog writes one gateway audit row.
func (s *Store) AppendWebhookLog(ctx context.Context, l core.WebhookLog) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_logs (source_ip, raw_payload, outcome, reason, received_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		l.SourceIP, l.RawPayload, l.Outcome, l.Reason, l.ReceivedAt); err != nil {
		return fmt.Errorf("appending webhook log: %w", err)
	}
	return nil
}

// InsertNotification writes a user-facing notification.
func (s *Store) InsertNotification(ctx context.Context, n core.Notification) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, title, body, created_at)
		 VALUES ($1,$2,$3,$4)`,
		n.UserID, n.Title, n.Body, n.CreatedAt); err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}
