// Package valkey carries bus messages over valkey pub/sub so contexts in
// different processes sharing one valkey server stay in sync.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/tokensync/bus"
)

const (
	// DefaultPrefix is the channel prefix used when none is configured.
	DefaultPrefix = "tokensync."

	pingTimeout = 5 * time.Second
)

// Bus publishes to and subscribes on <prefix>session-events.
type Bus struct {
	client     valkeygo.Client
	channel    string
	logger     *slog.Logger
	dispatcher *bus.Dispatcher

	mu       sync.Mutex
	cancel   context.CancelFunc
	received chan struct{}
	closed   bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates a bus over client. The caller keeps ownership of client.
func New(client valkeygo.Client, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:     client,
		channel:    prefix + "session-events",
		logger:     logger,
		dispatcher: bus.NewDispatcher(0, logger),
	}
}

// Channel returns the pub/sub channel name.
func (b *Bus) Channel() string {
	return b.channel
}

// Publish sends m on the channel.
func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	cmd := b.client.B().Publish().Channel(b.channel).Message(string(data)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: publish: %v", bus.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers h. The first subscription pings the server and starts
// the receive loop; an unreachable server yields bus.ErrUnavailable.
func (b *Bus) Subscribe(h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	if b.cancel == nil {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := b.client.Do(ctx, b.client.B().Ping().Build()).Error()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", bus.ErrUnavailable, err)
		}

		recvCtx, recvCancel := context.WithCancel(context.Background())
		b.cancel = recvCancel
		b.received = make(chan struct{})
		go b.receive(recvCtx, b.received)
	}
	return b.dispatcher.Add(h), nil
}

func (b *Bus) receive(ctx context.Context, done chan struct{}) {
	defer close(done)
	cmd := b.client.B().Subscribe().Channel(b.channel).Build()
	err := b.client.Receive(ctx, cmd, func(msg valkeygo.PubSubMessage) {
		m, err := bus.Decode([]byte(msg.Message))
		if err != nil {
			b.logger.Debug("Ignoring undecodable bus message", "channel", msg.Channel, "error", err)
			return
		}
		b.dispatcher.Deliver(m)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("Valkey bus subscription ended", "channel", b.channel, "error", err)
	}
}

// Close stops the receive loop.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done := b.cancel, b.received
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	b.dispatcher.Close()
	return nil
}
