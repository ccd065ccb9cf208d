package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/giantswarm/tokensync/bus"
)

// DialOptions configures Dial.
type DialOptions struct {
	HTTPClient *http.Client
	Header     http.Header
	QueueSize  int
	Logger     *slog.Logger
}

// Conn is a bus endpoint connected to a Relay.
type Conn struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	dispatcher *bus.Dispatcher

	cancel   context.CancelFunc
	readDone chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ bus.Bus = (*Conn)(nil)

// Dial connects to the relay at url (ws:// or wss://). A relay that cannot be
// reached yields bus.ErrUnavailable.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   opts.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", bus.ErrUnavailable, err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: relay did not negotiate %s", bus.ErrUnavailable, Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:       conn,
		logger:     opts.Logger,
		dispatcher: bus.NewDispatcher(opts.QueueSize, opts.Logger),
		cancel:     cancel,
		readDone:   make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if !isExpectedClose(err) {
				c.logger.Warn("Relay connection lost", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		m, err := bus.Decode(data)
		if err != nil {
			c.logger.Debug("Ignoring undecodable relay frame", "error", err)
			continue
		}
		c.dispatcher.Deliver(m)
	}
}

// Publish sends m to the relay.
func (c *Conn) Publish(ctx context.Context, m bus.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := writeFrame(ctx, c.conn, data, defaultWriteTimeout); err != nil {
		return fmt.Errorf("%w: publish: %v", bus.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers h for frames relayed from other peers.
func (c *Conn) Subscribe(h bus.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, bus.ErrClosed
	}
	return c.dispatcher.Add(h), nil
}

// Close disconnects from the relay.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.readDone
	c.dispatcher.Close()
	return nil
}
