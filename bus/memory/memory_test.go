package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tokensync/bus"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestHub_FansOutToOtherEndpoints(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Endpoint(), hub.Endpoint(), hub.Endpoint()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var ra, rb, rc recorder
	for e, r := range map[*Endpoint]*recorder{a: &ra, b: &rb, c: &rc} {
		_, err := e.Subscribe(r.handle)
		require.NoError(t, err)
	}

	msg := bus.Message{Type: bus.TypeUpdated, SessionID: "s1", Origin: "a", Timestamp: time.Now()}
	require.NoError(t, a.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool { return rb.len() == 1 && rc.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ra.len(), "sender must not receive its own message")

	rb.mu.Lock()
	assert.Equal(t, "s1", rb.msgs[0].SessionID)
	rb.mu.Unlock()
}

func TestHub_SlowReceiverDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub(WithQueueSize(2))
	a, b := hub.Endpoint(), hub.Endpoint()
	defer a.Close()

	release := make(chan struct{})
	_, err := b.Subscribe(func(bus.Message) { <-release })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = a.Publish(context.Background(), bus.Message{Type: bus.TypeActivityPing})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow receiver")
	}
	assert.Positive(t, b.Dropped())

	close(release)
	require.NoError(t, b.Close())
}

func TestEndpoint_Unsubscribe(t *testing.T) {
	hub := NewHub()
	a, b := hub.Endpoint(), hub.Endpoint()
	defer a.Close()
	defer b.Close()

	var r recorder
	cancel, err := b.Subscribe(r.handle)
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, a.Publish(context.Background(), bus.Message{Type: bus.TypeEnded}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.len())
}

func TestEndpoint_Close(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint()
	require.Equal(t, 1, hub.Len())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 0, hub.Len())

	assert.ErrorIs(t, a.Publish(context.Background(), bus.Message{Type: bus.TypeEnded}), bus.ErrClosed)
	_, err := a.Subscribe(func(bus.Message) {})
	assert.ErrorIs(t, err, bus.ErrClosed)
}
