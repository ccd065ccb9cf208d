package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/tokensync/bus"
)

// testClient connects to a local Valkey instance.
// Tests will be skipped if the server cannot be reached.
func testClient(t *testing.T) valkeygo.Client {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		t.Skipf("Skipping test: could not ping Valkey at %s: %v", addr, err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBus_Channel(t *testing.T) {
	b := New(nil, "", nil)
	assert.Equal(t, "tokensync.session-events", b.Channel())
	b = New(nil, "app.", nil)
	assert.Equal(t, "app.session-events", b.Channel())
}

func TestBus_PublishSubscribe(t *testing.T) {
	client := testClient(t)
	prefix := fmt.Sprintf("tokensynctest:%s:", t.Name())

	a := New(client, prefix, nil)
	b := New(client, prefix, nil)
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var got []bus.Message
	_, err := b.Subscribe(func(m bus.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)

	// The subscription is established asynchronously; publish until seen.
	msg := bus.Message{Type: bus.TypeUpdated, SessionID: "s1", Origin: "ctx-a", Timestamp: time.Now()}
	assert.Eventually(t, func() bool {
		require.NoError(t, a.Publish(context.Background(), msg))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "s1", got[0].SessionID)
	mu.Unlock()
}

func TestBus_Close(t *testing.T) {
	client := testClient(t)
	b := New(client, fmt.Sprintf("tokensynctest:%s:", t.Name()), nil)

	_, err := b.Subscribe(func(bus.Message) {})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), bus.Message{Type: bus.TypeEnded}), bus.ErrClosed)
}
