package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/internal/mock"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	controls []control
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var c control
			if json.Unmarshal(msg, &c) == nil {
				fs.mu.Lock()
				fs.controls = append(fs.controls, c)
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) controlCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.controls)
}

func (fs *feedServer) controlAt(i int) control {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.controls[i]
}

func (fs *feedServer) send(messageType int, payload []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(fs.t, fs.conns)
	conn := fs.conns[len(fs.conns)-1]
	require.NoError(fs.t, conn.WriteMessage(messageType, payload))
}

func newTestManager(t *testing.T, url string) (*Manager, chan core.Tick) {
	m := NewManager(config.FeedConfig{
		URL:              url,
		ReconnectDelayMs: 100,
	}, mock.NewLogger())

	ticks := make(chan core.Tick, 16)
	m.SetTickHandler(func(tick core.Tick) { ticks <- tick })
	t.Cleanup(m.Disconnect)
	return m, ticks
}

func TestManagerSubscribesAndReceivesBinaryTicks(t *testing.T) {
	fs := newFeedServer(t)
	m, ticks := newTestManager(t, fs.url())

	require.NoError(t, m.Subscribe([]uint32{256265}))
	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	// The pre-connect subscription is replayed on connect: one
	// subscribe and one mode command.
	require.Eventually(t, func() bool { return fs.controlCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "subscribe", fs.controlAt(0).A)
	assert.Equal(t, "mode", fs.controlAt(1).A)

	fs.send(websocket.BinaryMessage, EncodeFrame([][]byte{EncodeTickPacket(256265, 1850025)}))

	select {
	case tick := <-ticks:
		assert.Equal(t, uint32(256265), tick.InstrumentToken)
		assert.Equal(t, "18500.25", tick.LastPrice.StringFixed(2))
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}
}

func TestManagerSkipsMalformedFrames(t *testing.T) {
	fs := newFeedServer(t)
	m, ticks := newTestManager(t, fs.url())

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Declares two packets but carries only one: skipped whole.
	bad := EncodeFrame([][]byte{EncodeTickPacket(1, 100)})
	bad[1] = 2
	fs.send(websocket.BinaryMessage, bad)

	// The next well-formed frame still flows.
	fs.send(websocket.BinaryMessage, EncodeFrame([][]byte{EncodeTickPacket(2, 200)}))

	select {
	case tick := <-ticks:
		assert.Equal(t, uint32(2), tick.InstrumentToken)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery tick not delivered")
	}
}

func TestManagerJSONFallback(t *testing.T) {
	fs := newFeedServer(t)
	m, ticks := newTestManager(t, fs.url())

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	fs.send(websocket.TextMessage, []byte(`{"instrument_token":738561,"last_price":999.5}`))

	select {
	case tick := <-ticks:
		assert.Equal(t, uint32(738561), tick.InstrumentToken)
		assert.Equal(t, "999.50", tick.LastPrice.StringFixed(2))
	case <-time.After(2 * time.Second):
		t.Fatal("json tick not delivered")
	}

	// Non-tick text messages are ignored silently.
	fs.send(websocket.TextMessage, []byte(`{"type":"order","data":{}}`))
	select {
	case tick := <-ticks:
		t.Fatalf("unexpected tick %+v", tick)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionSetSurvivesUnsubscribe(t *testing.T) {
	fs := newFeedServer(t)
	m, _ := newTestManager(t, fs.url())

	require.NoError(t, m.Subscribe([]uint32{1, 2, 3}))
	require.NoError(t, m.Unsubscribe([]uint32{2}))
	assert.Equal(t, []uint32{1, 3}, m.SubscribedTokens())

	// Duplicate subscribes do not grow the set.
	require.NoError(t, m.Subscribe([]uint32{1, 3}))
	assert.Equal(t, []uint32{1, 3}, m.SubscribedTokens())
}
