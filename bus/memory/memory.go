// Package memory provides an in-process bus hub. Every context in the
// process takes an Endpoint; a message published on one endpoint is queued
// for every other endpoint.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/giantswarm/tokensync/bus"
)

// Hub connects endpoints in one process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
	queueSize int
	logger    *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-endpoint delivery queue length.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		endpoints: make(map[*Endpoint]struct{}),
		queueSize: bus.DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint attaches a new context to the hub.
func (h *Hub) Endpoint() *Endpoint {
	e := &Endpoint{
		hub:        h,
		dispatcher: bus.NewDispatcher(h.queueSize, h.logger),
	}
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Len returns the number of attached endpoints.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) broadcast(from *Endpoint, m bus.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for e := range h.endpoints {
		if e == from {
			continue
		}
		e.dispatcher.Deliver(m)
	}
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

// Endpoint is one context's view of a Hub.
type Endpoint struct {
	hub        *Hub
	dispatcher *bus.Dispatcher

	mu     sync.Mutex
	closed bool
}

var _ bus.Bus = (*Endpoint)(nil)

// Publish queues m for every other endpoint. It never blocks on slow
// receivers.
func (e *Endpoint) Publish(_ context.Context, m bus.Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	e.hub.broadcast(e, m)
	return nil
}

// Subscribe registers h for messages from other endpoints.
func (e *Endpoint) Subscribe(h bus.Handler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, bus.ErrClosed
	}
	return e.dispatcher.Add(h), nil
}

// Dropped returns the number of messages this endpoint dropped because its
// queue was full.
func (e *Endpoint) Dropped() uint64 {
	return e.dispatcher.Dropped()
}

// Close detaches the endpoint from the hub.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.detach(e)
	e.dispatcher.Close()
	return nil
}
