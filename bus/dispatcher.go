package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the delivery queue length of a Dispatcher.
const DefaultQueueSize = 64

// Dispatcher fans received messages out to handlers on its own goroutine.
// Delivery never blocks the sender: when the queue is full the message is
// dropped.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
	dropped   atomic.Uint64
}

// NewDispatcher starts a dispatcher. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[uint64]Handler),
		queue:    make(chan Message, queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Add registers h and returns a func removing it.
func (d *Dispatcher) Add(h Handler) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Deliver queues m. It reports false when m was dropped.
func (d *Dispatcher) Deliver(m Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- m:
		return true
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("Bus delivery queue full, dropping messages", "dropped_total", n)
		}
		return false
	}
}

// Dropped returns the number of messages dropped on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops delivery and waits for the running handler to return. It is
// idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case m := <-d.queue:
			d.mu.RLock()
			handlers := make([]Handler, 0, len(d.handlers))
			for _, h := range d.handlers {
				handlers = append(handlers, h)
			}
			d.mu.RUnlock()

			for _, h := range handlers {
				h(m)
			}
		}
	}
}
