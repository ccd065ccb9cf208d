package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/tokensync/internal/clock"
)

// DefaultActivityWindow is the default minimum spacing between recorded
// activity signals for one session.
const DefaultActivityWindow = 10 * time.Second

// activityEntry tracks a limiter and its last access time
type activityEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ActivityGate admits at most one activity signal per window for each
// session, using a token bucket (burst 1) per session id with LRU eviction.
// The first signal of a session is always admitted.
type ActivityGate struct {
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *activityEntry
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	clock      clock.Clock
	logger     *slog.Logger

	// Statistics
	admitted       int64
	suppressed     int64
	totalEvictions int64
}

// NewActivityGate creates a gate admitting one signal per window.
// A window <= 0 uses DefaultActivityWindow.
func NewActivityGate(window time.Duration, c clock.Clock, logger *slog.Logger) *ActivityGate {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityGate{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		window:     window,
		maxEntries: 1000,
		clock:      clock.OrReal(c),
		logger:     logger,
	}
}

// Allow reports whether an activity signal for identifier should be recorded.
func (g *ActivityGate) Allow(identifier string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	var entry *activityEntry
	if elem, exists := g.limiters[identifier]; exists {
		g.lruList.MoveToFront(elem)
		entry = elem.Value.(*activityEntry)
	} else {
		if g.maxEntries > 0 && len(g.limiters) >= g.maxEntries {
			g.evictLRU()
		}
		entry = &activityEntry{
			identifier: identifier,
			limiter:    rate.NewLimiter(rate.Every(g.window), 1),
		}
		g.limiters[identifier] = g.lruList.PushFront(entry)
	}

	entry.lastAccess = now
	if entry.limiter.AllowN(now, 1) {
		g.admitted++
		return true
	}
	g.suppressed++
	return false
}

// Forget drops the limiter of identifier, so its next signal is admitted.
func (g *ActivityGate) Forget(identifier string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if elem, exists := g.limiters[identifier]; exists {
		delete(g.limiters, identifier)
		g.lruList.Remove(elem)
	}
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (g *ActivityGate) evictLRU() {
	elem := g.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*activityEntry)
	delete(g.limiters, entry.identifier)
	g.lruList.Remove(elem)
	g.totalEvictions++

	g.logger.Debug("Activity gate LRU eviction",
		"total_evictions", g.totalEvictions,
		"current_entries", len(g.limiters))
}

// Cleanup removes limiters that haven't been accessed for maxIdle.
func (g *ActivityGate) Cleanup(maxIdle time.Duration) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	var next *list.Element
	for elem := g.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*activityEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(g.limiters, entry.identifier)
			g.lruList.Remove(elem)
		}
	}
}

// ActivityStats holds activity gate statistics for monitoring
type ActivityStats struct {
	CurrentEntries int
	Admitted       int64
	Suppressed     int64
	TotalEvictions int64
}

// GetStats returns current gate statistics.
func (g *ActivityGate) GetStats() ActivityStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ActivityStats{
		CurrentEntries: len(g.limiters),
		Admitted:       g.admitted,
		Suppressed:     g.suppressed,
		TotalEvictions: g.totalEvictions,
	}
}
