// Package feed owns the market-data connection: subscription state,
// binary frame decoding, and dispatch to the tick handler.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/telemetry"
	ws "trigger_engine/pkg/websocket"

	"github.com/gorilla/websocket"
)

// control is the JSON message shape the feed accepts for
// subscribe/unsubscribe/mode commands.
type control struct {
	A string        `json:"a"`
	V []interface{} `json:"v"`
}

// jsonTick is the text-mode tick shape, accepted when the feed is not
// streaming binary.
type jsonTick struct {
	InstrumentToken uint32  `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// Manager implements core.IFeedManager over the reconnecting
// WebSocket client. The subscription set lives here, not on the
// connection, so it survives reconnects.
type Manager struct {
	cfg    config.FeedConfig
	logger core.ILogger

	mu         sync.Mutex
	client     *ws.Client
	handler    core.TickHandler
	subscribed map[uint32]struct{}

	metrics *telemetry.MetricsHolder
}

// NewManager creates a feed manager. Connect must be called before
// ticks flow.
func NewManager(cfg config.FeedConfig, logger core.ILogger) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger.WithField("component", "feed_manager"),
		subscribed: make(map[uint32]struct{}),
		metrics:    telemetry.GetGlobalMetrics(),
	}
}

// Connect starts the connection loop. It returns once the loop is
// running; actual connectivity is reported by IsConnected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	client := ws.NewClient(m.cfg.URL, m.onMessage, m.logger)
	client.SetReconnectWait(m.cfg.ReconnectDelay())
	if m.cfg.PingIntervalSec > 0 {
		client.SetPingConfig(
			time.Duration(m.cfg.PingIntervalSec)*time.Second,
			10*time.Second,
			2*time.Duration(m.cfg.PingIntervalSec)*time.Second,
		)
	}
	if m.cfg.APIKey != "" {
		h := http.Header{}
		h.Set("X-Kite-Version", "3")
		h.Set("Authorization", "token "+m.cfg.APIKey+":"+m.cfg.AccessToken)
		client.SetHeader(h)
	}
	client.SetOnConnected(func() {
		m.metrics.SetFeedConnected(true)
		m.resubscribe()
	})
	client.SetOnDisconnected(func() {
		m.metrics.SetFeedConnected(false)
		m.metrics.FeedReconnectsTotal.Add(context.Background(), 1)
		m.logger.Warn("Feed disconnected, reconnect scheduled", "delay", m.cfg.ReconnectDelay().String())
	})

	m.client = client
	client.Start()
	m.logger.Info("Feed connection loop started", "url", m.cfg.URL)
	return nil
}

// Disconnect stops the loop and drops the connection. The
// subscription set is kept for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		client.Stop()
		m.metrics.SetFeedConnected(false)
		m.logger.Info("Feed disconnected")
	}
}

// IsConnected reports the live connection state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	return client != nil && client.IsConnected()
}

// SetTickHandler installs the tick consumer. Must be set before
// Connect.
func (m *Manager) SetTickHandler(h core.TickHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Subscribe adds tokens to the set and, when connected, sends the
// subscribe and full-mode commands.
func (m *Manager) Subscribe(tokens []uint32) error {
	m.mu.Lock()
	fresh := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := m.subscribed[t]; !ok {
			m.subscribed[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	client := m.client
	m.mu.Unlock()

	if len(fresh) == 0 || client == nil || !client.IsConnected() {
		return nil
	}
	return m.sendSubscribe(client, fresh)
}

// Unsubscribe removes tokens from the set and tells the feed when
// connected.
func (m *Manager) Unsubscribe(tokens []uint32) error {
	m.mu.Lock()
	removed := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := m.subscribed[t]; ok {
			delete(m.subscribed, t)
			removed = append(removed, t)
		}
	}
	client := m.client
	m.mu.Unlock()

	if len(removed) == 0 || client == nil || !client.IsConnected() {
		return nil
	}
	return client.Send(control{A: "unsubscribe", V: tokensToIface(removed)})
}

// SubscribedTokens returns the current set, sorted for stable logs.
func (m *Manager) SubscribedTokens() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.subscribed))
	for t := range m.subscribed {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) resubscribe() {
	m.mu.Lock()
	client := m.client
	tokens := make([]uint32, 0, len(m.subscribed))
	for t := range m.subscribed {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()

	if client == nil || len(tokens) == 0 {
		return
	}
	if err := m.sendSubscribe(client, tokens); err != nil {
		m.logger.Error("Resubscribe after reconnect failed", "error", err, "tokens", len(tokens))
		return
	}
	m.logger.Info("Resubscribed after reconnect", "tokens", len(tokens))
}

func (m *Manager) sendSubscribe(client *ws.Client, tokens []uint32) error {
	if err := client.Send(control{A: "subscribe", V: tokensToIface(tokens)}); err != nil {
		return err
	}
	// Full mode carries the last traded price in every packet.
	return client.Send(control{A: "mode", V: []interface{}{"full", tokensToIface(tokens)}})
}

func (m *Manager) onMessage(messageType int, message []byte) {
	switch messageType {
	case websocket.BinaryMessage:
		m.onBinaryFrame(message)
	case websocket.TextMessage:
		m.onTextMessage(message)
	}
}

func (m *Manager) onBinaryFrame(frame []byte) {
	// A one-byte frame is the feed's heartbeat, not data.
	if len(frame) < 2 {
		return
	}

	packets, err := ParseFrame(frame)
	if err != nil {
		m.metrics.MalformedFramesTotal.Add(context.Background(), 1)
		m.logger.Warn("Malformed feed frame skipped", "error", err, "bytes", len(frame))
		return
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}

	now := time.Now()
	for _, p := range packets {
		if tick, ok := TickFromPacket(p, now); ok {
			handler(tick)
		}
	}
}

func (m *Manager) onTextMessage(message []byte) {
	var t jsonTick
	if err := json.Unmarshal(message, &t); err != nil || t.InstrumentToken == 0 {
		// Text messages also carry order postbacks and errors; only
		// tick-shaped ones are dispatched.
		return
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}

	tick, ok := tickFromJSON(t)
	if !ok {
		return
	}
	handler(tick)
}

func tokensToIface(tokens []uint32) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}
