package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/security"
)

func newTestRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	relay, err := NewRelay(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type inbox struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (i *inbox) handle(m bus.Message) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m)
	i.mu.Unlock()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelay_FansOutToOtherPeers(t *testing.T) {
	reg := prometheus.NewRegistry()
	relay, url := newTestRelay(t, RelayConfig{Registerer: reg})

	a, b, c := dial(t, url), dial(t, url), dial(t, url)
	assert.Eventually(t, func() bool { return relay.Peers() == 3 }, 2*time.Second, 10*time.Millisecond)

	var ia, ib, ic inbox
	for conn, in := range map[*Conn]*inbox{a: &ia, b: &ib, c: &ic} {
		_, err := conn.Subscribe(in.handle)
		require.NoError(t, err)
	}

	msg := bus.Message{Type: bus.TypeCreated, SessionID: "s1", Origin: "ctx-a", Timestamp: time.Now()}
	require.NoError(t, a.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool { return ib.len() == 1 && ic.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ia.len(), "relay must not echo to the sender")

	ib.mu.Lock()
	assert.Equal(t, "s1", ib.msgs[0].SessionID)
	assert.Equal(t, "ctx-a", ib.msgs[0].Origin)
	ib.mu.Unlock()

	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.frames.WithLabelValues("relayed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(relay.metrics.peers))
}

func TestRelay_DropsInvalidFrames(t *testing.T) {
	relay, url := newTestRelay(t, RelayConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.NoError(t, err)
	defer raw.Close(websocket.StatusNormalClosure, "")

	b := dial(t, url)
	var ib inbox
	_, err = b.Subscribe(ib.handle)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return relay.Peers() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, raw.Write(ctx, websocket.MessageText, []byte(`{"type":"reboot"}`)))
	require.NoError(t, raw.Write(ctx, websocket.MessageText, []byte(`{"type":"ended","session_id":"s9"}`)))

	assert.Eventually(t, func() bool { return ib.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	ib.mu.Lock()
	assert.Equal(t, "s9", ib.msgs[0].SessionID)
	ib.mu.Unlock()
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.frames.WithLabelValues("invalid")))
}

func TestRelay_RequiresSubprotocol(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestRelay_RateLimitDisconnects(t *testing.T) {
	relay, url := newTestRelay(t, RelayConfig{RateLimit: 1, RateBurst: 2})
	a := dial(t, url)
	assert.Eventually(t, func() bool { return relay.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		_ = a.Publish(context.Background(), bus.Message{Type: bus.TypeActivityPing})
	}
	assert.Eventually(t, func() bool { return relay.Peers() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.metrics.frames.WithLabelValues("rate_limited")))
}

func TestDial_Unavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/bus", DialOptions{})
	assert.ErrorIs(t, err, bus.ErrUnavailable)
}

func TestNewRelay_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRelay(RelayConfig{Registerer: reg})
	require.NoError(t, err)
	_, err = NewRelay(RelayConfig{Registerer: reg})
	assert.Error(t, err)
}

func TestConn_Close(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{})
	c := dial(t, url)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), bus.Message{Type: bus.TypeEnded}), bus.ErrClosed)
	_, err := c.Subscribe(func(bus.Message) {})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestRelay_ConnectionLimit(t *testing.T) {
	limiter := security.NewConnectionLimiter(1, time.Minute, 0, nil)
	relay, url := newTestRelay(t, RelayConfig{ConnectionLimiter: limiter})

	dial(t, url)
	assert.Eventually(t, func() bool { return relay.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, DialOptions{})
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.Equal(t, int64(1), limiter.Stats().Blocked)
	assert.Equal(t, 1, relay.Peers())
}
