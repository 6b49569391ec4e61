package engine

import (
	"sync"
	"time"
	"trigger_engine/internal/core"
)

// Stats accumulates the counters reported with every heartbeat and by
// the stats endpoint. Safe for concurrent use from the tick path and
// the execution pool.
type Stats struct {
	mu             sync.RWMutex
	ticksProcessed int64
	triggersFired  int64
	ordersPlaced   int64
	ordersFailed   int64
	lastTickAt     time.Time
	startedAt      time.Time
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticksProcessed = 0
	s.triggersFired = 0
	s.ordersPlaced = 0
	s.ordersFailed = 0
	s.lastTickAt = time.Time{}
	s.startedAt = now
}

func (s *Stats) tickProcessed(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticksProcessed++
	s.lastTickAt = at
}

func (s *Stats) triggerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggersFired++
}

func (s *Stats) orderPlaced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordersPlaced++
}

func (s *Stats) orderFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordersFailed++
}

// Snapshot renders the counters, filling in the live index size and
// feed state the stats struct does not own.
func (s *Stats) Snapshot(activeTriggers int, feedConnected bool) core.EngineStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.EngineStats{
		TicksProcessed: s.ticksProcessed,
		TriggersFired:  s.triggersFired,
		OrdersPlaced:   s.ordersPlaced,
		OrdersFailed:   s.ordersFailed,
		ActiveTriggers: int64(activeTriggers),
		FeedConnected:  feedConnected,
		LastTickAt:     s.lastTickAt,
		StartedAt:      s.startedAt,
	}
}
