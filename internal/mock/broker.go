package mock

import (
	"context"
	"sync"
	"trigger_engine/internal/core"
)

// Broker is a scriptable executor.OrderPlacer.
type Broker struct {
	mu sync.Mutex
	// Responses are consumed in order; the last one repeats.
	Responses []BrokerResponse
	Calls     []core.OrderPayload
	// Gate, when set, holds every PlaceOrder until it is closed.
	Gate chan struct{}
}

// BrokerResponse scripts one PlaceOrder outcome.
type BrokerResponse struct {
	OrderID string
	Err     error
}

// NewBroker creates a broker that accepts every order with the given
// order id.
func NewBroker(orderID string) *Broker {
	return &Broker{Responses: []BrokerResponse{{OrderID: orderID}}}
}

// PlaceOrder records the call and replays the scripted response.
func (b *Broker) PlaceOrder(ctx context.Context, conn core.BrokerConnection, order core.OrderPayload) (string, error) {
	b.mu.Lock()
	gate := b.Gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.Calls = append(b.Calls, order)
	idx := len(b.Calls) - 1
	if idx >= len(b.Responses) {
		idx = len(b.Responses) - 1
	}
	r := b.Responses[idx]
	return r.OrderID, r.Err
}

// CallCount returns how many orders were attempted.
func (b *Broker) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}
