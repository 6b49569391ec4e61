package mock

import (
	"context"
	"sync"
	"time"
	"trigger_engine/internal/core"
)

// Store is an in-memory core.ITriggerStore honoring the same
// conditional-transition semantics as the Postgres layer.
type Store struct {
	mu sync.Mutex

	Triggers    map[string]*core.Trigger
	Connections map[string]core.BrokerConnection
	Limits      map[string]*core.RiskLimits
	Keys        map[string]*core.WebhookKey
	Futures     []core.FutureContract
	Positions   map[string]*core.Position

	TradeLogs     []core.TradeLogEntry
	WebhookLogs   []core.WebhookLog
	Orders        []core.OrderRecord
	Notifications []core.Notification
	TradeCounts   map[string]int

	LockHolder string
	State      *core.EngineState
	ResetCalls int

	// Error injection
	ClaimErr error
	LoadErr  error
	ConnErr  error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		Triggers:    make(map[string]*core.Trigger),
		Connections: make(map[string]core.BrokerConnection),
		Limits:      make(map[string]*core.RiskLimits),
		Keys:        make(map[string]*core.WebhookKey),
		Positions:   make(map[string]*core.Position),
		TradeCounts: make(map[string]int),
	}
}

// Put inserts or replaces one trigger row.
func (s *Store) Put(t *core.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.Triggers[t.ID] = &cp
}

// Status returns the stored status for assertions.
func (s *Store) Status(id string) core.TriggerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Triggers[id]; ok {
		return t.Status
	}
	return ""
}

// Holder returns the current lock holder for assertions.
func (s *Store) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LockHolder
}

// TradeLogCount returns the number of appended trade log rows.
func (s *Store) TradeLogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.TradeLogs)
}

// SetConnErr scripts BrokerConnectionByID failures.
func (s *Store) SetConnErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnErr = err
}

// LastEngineError returns the persisted engine error for assertions.
func (s *Store) LastEngineError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == nil {
		return ""
	}
	return s.State.EngineError
}

// TradeCount returns the incremented daily trade count for a user.
func (s *Store) TradeCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TradeCounts[userID]
}

func (s *Store) LoadActiveTriggers(ctx context.Context) ([]*core.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	var out []*core.Trigger
	for _, t := range s.Triggers {
		if t.Status == core.StatusActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*core.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Triggers[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *Store) InsertTriggerPair(ctx context.Context, stop, target *core.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *stop
	s.Triggers[stop.ID] = &cp
	if target != nil {
		cp2 := *target
		s.Triggers[target.ID] = &cp2
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, id, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClaimErr != nil {
		return false, s.ClaimErr
	}
	t, ok := s.Triggers[id]
	if !ok || t.Status != core.StatusActive {
		return false, nil
	}
	if parentID != "" {
		for _, other := range s.Triggers {
			if other.ID != id && other.ParentID == parentID &&
				(other.Status == core.StatusProcessing || other.Status == core.StatusTriggered) {
				return false, nil
			}
		}
	}
	t.Status = core.StatusProcessing
	return true, nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Triggers[id]; ok && t.Status == core.StatusProcessing {
		t.Status = core.StatusActive
	}
	return nil
}

func (s *Store) MarkTriggered(ctx context.Context, id string, leg int, price string, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Triggers[id]; ok && t.Status == core.StatusProcessing {
		t.Status = core.StatusTriggered
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Triggers[id]; ok &&
		(t.Status == core.StatusProcessing || t.Status == core.StatusActive) {
		t.Status = core.StatusFailed
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Triggers[id]
	if !ok || t.Status != core.StatusActive {
		return false, nil
	}
	t.Status = core.StatusCancelled
	return true, nil
}

func (s *Store) AppendTradeLog(ctx context.Context, e core.TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TradeLogs = append(s.TradeLogs, e)
	return nil
}

func (s *Store) AcquireEngineLock(ctx context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LockHolder == "" || s.LockHolder == instanceID {
		s.LockHolder = instanceID
		return true, nil
	}
	return false, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, instanceID string, stats core.EngineStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = &core.EngineState{
		InstanceID:    instanceID,
		IsRunning:     s.LockHolder == instanceID,
		LastHeartbeat: time.Now(),
		Stats:         stats,
	}
	return nil
}

func (s *Store) ReleaseEngineLock(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LockHolder == instanceID {
		s.LockHolder = ""
	}
	return nil
}

func (s *Store) SetEngineError(ctx context.Context, instanceID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == nil {
		s.State = &core.EngineState{InstanceID: instanceID}
	}
	s.State.EngineError = msg
	return nil
}

func (s *Store) EngineState(ctx context.Context) (*core.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == nil {
		return nil, nil
	}
	cp := *s.State
	return &cp, nil
}

func (s *Store) RiskLimits(ctx context.Context, userID string) (*core.RiskLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.Limits[userID]
	if !ok {
		return nil, nil
	}
	cp := *l
	cp.DailyTradeCount += s.TradeCounts[userID]
	return &cp, nil
}

func (s *Store) IncrementDailyTradeCount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TradeCounts[userID]++
	return nil
}

func (s *Store) ResetDailyRiskCounters(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
	s.TradeCounts = make(map[string]int)
	return nil
}

func (s *Store) ActiveBrokerConnections(ctx context.Context) ([]core.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.BrokerConnection
	for _, c := range s.Connections {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) BrokerConnectionByID(ctx context.Context, id string) (*core.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnErr != nil {
		return nil, s.ConnErr
	}
	c, ok := s.Connections[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (s *Store) ActiveFutures(ctx context.Context, underlying string, onOrAfter time.Time) ([]core.FutureContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.FutureContract
	for _, f := range s.Futures {
		if f.Underlying == underlying && !f.Expiry.Before(onOrAfter.Truncate(24*time.Hour)) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) PositionFor(ctx context.Context, symbol, exchange, brokerAccountID string) (*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Positions[symbol+"/"+exchange+"/"+brokerAccountID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) WebhookKeyByKey(ctx context.Context, key string) (*core.WebhookKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.Keys[key]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (s *Store) TouchWebhookKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.Keys {
		if k.ID == id {
			k.LastUsedAt = time.Now()
		}
	}
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, o core.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Orders = append(s.Orders, o)
	return nil
}

func (s *Store) AppendWebhookLog(ctx context.Context, l core.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WebhookLogs = append(s.WebhookLogs, l)
	return nil
}

func (s *Store) InsertNotification(ctx context.Context, n core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notifications = append(s.Notifications, n)
	return nil
}
