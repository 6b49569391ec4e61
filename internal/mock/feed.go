package mock

import (
	"context"
	"sync"
	"trigger_engine/internal/core"
)

// Feed is an in-process core.IFeedManager. Tests push ticks straight
// into the handler with Emit.
type Feed struct {
	mu         sync.Mutex
	connected  bool
	handler    core.TickHandler
	subscribed map[uint32]struct{}

	SubscribeCalls   [][]uint32
	UnsubscribeCalls [][]uint32
}

// NewFeed creates a disconnected feed.
func NewFeed() *Feed {
	return &Feed{subscribed: make(map[uint32]struct{})}
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Feed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *Feed) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscribeCalls = append(f.SubscribeCalls, tokens)
	for _, t := range tokens {
		f.subscribed[t] = struct{}{}
	}
	return nil
}

func (f *Feed) Unsubscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnsubscribeCalls = append(f.UnsubscribeCalls, tokens)
	for _, t := range tokens {
		delete(f.subscribed, t)
	}
	return nil
}

func (f *Feed) SetTickHandler(h core.TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Feed) SubscribedTokens() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, 0, len(f.subscribed))
	for t := range f.subscribed {
		out = append(out, t)
	}
	return out
}

// Emit delivers a tick to the installed handler synchronously.
func (f *Feed) Emit(tick core.Tick) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(tick)
	}
}
