package security

import (
	"container/list"
	"sync"
	"time"

	"github.com/giantswarm/tokensync/internal/clock"
)

const (
	// DefaultMaxConnectsPerWindow is the number of relay connections one
	// address may open per window.
	DefaultMaxConnectsPerWindow = 30

	// DefaultConnectWindow is the sliding window of the connection limiter.
	DefaultConnectWindow = time.Minute

	// DefaultMaxTrackedAddresses bounds the limiter's memory.
	DefaultMaxTrackedAddresses = 10000
)

type connectEntry struct {
	addr     string
	attempts []time.Time
}

// ConnectionLimiter bounds how often one address may open a connection
// within a sliding window. The least recently seen addresses are forgotten
// once maxTracked is reached.
type ConnectionLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	max        int
	window     time.Duration
	maxTracked int
	clock      clock.Clock

	allowed   int64
	blocked   int64
	evictions int64
}

// NewConnectionLimiter returns a limiter. Non-positive arguments select the
// defaults.
func NewConnectionLimiter(max int, window time.Duration, maxTracked int, c clock.Clock) *ConnectionLimiter {
	if max <= 0 {
		max = DefaultMaxConnectsPerWindow
	}
	if window <= 0 {
		window = DefaultConnectWindow
	}
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedAddresses
	}
	return &ConnectionLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		max:        max,
		window:     window,
		maxTracked: maxTracked,
		clock:      clock.OrReal(c),
	}
}

// Allow records a connection attempt from addr and reports whether it is
// within the limit. Rejected attempts are not recorded.
func (l *ConnectionLimiter) Allow(addr string) bool {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[addr]
	if !ok {
		if l.lru.Len() >= l.maxTracked {
			l.evictOldest()
		}
		elem = l.lru.PushFront(&connectEntry{addr: addr})
		l.entries[addr] = elem
	} else {
		l.lru.MoveToFront(elem)
	}
	entry := elem.Value.(*connectEntry)

	recent := entry.attempts[:0]
	for _, at := range entry.attempts {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	entry.attempts = recent

	if len(entry.attempts) >= l.max {
		l.blocked++
		return false
	}
	entry.attempts = append(entry.attempts, now)
	l.allowed++
	return true
}

func (l *ConnectionLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	delete(l.entries, elem.Value.(*connectEntry).addr)
	l.lru.Remove(elem)
	l.evictions++
}

// ConnectionStats is a snapshot of limiter counters.
type ConnectionStats struct {
	Tracked   int
	Allowed   int64
	Blocked   int64
	Evictions int64
}

// Stats returns the current counters.
func (l *ConnectionLimiter) Stats() ConnectionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ConnectionStats{
		Tracked:   len(l.entries),
		Allowed:   l.allowed,
		Blocked:   l.blocked,
		Evictions: l.evictions,
	}
}
