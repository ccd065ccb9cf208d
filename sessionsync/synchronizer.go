package sessionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/storage"
)

const (
	// DefaultPrefix is the key prefix used when none is configured.
	DefaultPrefix = "tokensync."

	// DefaultSessionTimeout is the inactivity period after which a session
	// ends.
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultInactivitySweepInterval is how often the inactivity sweep runs.
	DefaultInactivitySweepInterval = time.Minute

	// DefaultValiditySweepInterval is how often the persisted record is
	// re-checked.
	DefaultValiditySweepInterval = 5 * time.Minute

	storageTimeout = 5 * time.Second
)

// Reasons a session terminates.
const (
	ReasonLogout         = "logout"
	ReasonInactivity     = "inactivity"
	ReasonExpired        = "expired"
	ReasonInvalidated    = "invalidated"
	ReasonDomainRejected = "domain_rejected"
	ReasonRecordGone     = "record_gone"
	ReasonRecordReplaced = "record_replaced"
	ReasonRemote         = "remote"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sessionsync: synchronizer closed")

	// ErrDomainNotAllowed is returned by StartSession when the origin domain
	// is outside the allowed set.
	ErrDomainNotAllowed = errors.New("sessionsync: origin domain not allowed")
)

// Config configures a Synchronizer.
type Config struct {
	// Storage holds the persisted session record (required)
	Storage storage.KV

	// Bus carries broadcasts to sibling contexts. Nil uses bus.Noop.
	Bus bus.Bus

	// Prefix starts the session key, <prefix>session
	Prefix string

	SessionTimeout          time.Duration
	ActivityDebounce        time.Duration
	InactivitySweepInterval time.Duration
	ValiditySweepInterval   time.Duration

	// OriginDomain is stamped on sessions started by this context
	OriginDomain string

	// AllowedDomains restricts session origin domains. Empty allows all.
	AllowedDomains []string

	// OnEnded is called after EndSession terminates a session
	OnEnded func(*Session)

	// OnExpired is called when a sweep terminates a session
	OnExpired func(s *Session, reason string)

	Clock           clock.Clock
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Synchronizer maintains the session of one context.
type Synchronizer struct {
	kv      storage.KV
	bus     bus.Bus
	key     string
	origin  string
	timeout time.Duration

	inactivityEvery time.Duration
	validityEvery   time.Duration
	originDomain    string

	onEnded   func(*Session)
	onExpired func(*Session, string)

	gate    *security.ActivityGate
	clock   clock.Clock
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	unsubscribe func()
	stopStats   func()

	mu              sync.Mutex
	local           *Session
	allowed         map[string]struct{}
	inactivityTimer clock.Timer
	validityTimer   clock.Timer
	generation      uint64
	closed          bool

	handlersMu  sync.RWMutex
	handlers    map[uint64]EventHandler
	nextHandler uint64
}

// New creates a synchronizer and subscribes it to the bus. A bus that
// reports bus.ErrUnavailable fails New with an error wrapping it, so the
// caller can retry with a fallback bus.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Storage == nil {
		return nil, errors.New("sessionsync: storage is required")
	}
	b := cfg.Bus
	if b == nil {
		b = bus.Noop{}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	inactivityEvery := cfg.InactivitySweepInterval
	if inactivityEvery <= 0 {
		inactivityEvery = DefaultInactivitySweepInterval
	}
	validityEvery := cfg.ValiditySweepInterval
	if validityEvery <= 0 {
		validityEvery = DefaultValiditySweepInterval
	}
	clk := clock.OrReal(cfg.Clock)

	s := &Synchronizer{
		kv:              cfg.Storage,
		bus:             b,
		key:             prefix + "session",
		origin:          uuid.NewString(),
		timeout:         timeout,
		inactivityEvery: inactivityEvery,
		validityEvery:   validityEvery,
		originDomain:    strings.ToLower(cfg.OriginDomain),
		onEnded:         cfg.OnEnded,
		onExpired:       cfg.OnExpired,
		gate:            security.NewActivityGate(cfg.ActivityDebounce, clk, logger),
		clock:           clk,
		logger:          logger,
		auditor:         cfg.Auditor,
		metrics:         inst.Metrics(),
		allowed:         normalizeDomains(cfg.AllowedDomains),
		handlers:        make(map[uint64]EventHandler),
	}

	unsubscribe, err := b.Subscribe(s.receive)
	if err != nil {
		return nil, fmt.Errorf("sessionsync: subscribe: %w", err)
	}
	s.unsubscribe = unsubscribe

	stopStats, err := inst.RegisterActivityCallback(s.activityCounts)
	if err != nil {
		logger.Debug("Activity metrics unavailable", "error", err)
		stopStats = func() {}
	}
	s.stopStats = stopStats
	return s, nil
}

func (s *Synchronizer) activityCounts() instrumentation.ActivityCounts {
	stats := s.gate.GetStats()
	return instrumentation.ActivityCounts{
		Admitted:   stats.Admitted,
		Suppressed: stats.Suppressed,
		Tracked:    int64(stats.CurrentEntries),
	}
}

// Origin returns the per-context id stamped on outgoing messages.
func (s *Synchronizer) Origin() string {
	return s.origin
}

// StorageKey returns the key of the persisted session record.
func (s *Synchronizer) StorageKey() string {
	return s.key
}

// Current returns a copy of the local session, or nil.
func (s *Synchronizer) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Clone()
}

// OnEvent registers handler and returns a func removing it. Handlers run
// outside the synchronizer lock.
func (s *Synchronizer) OnEvent(handler EventHandler) (unsubscribe func()) {
	s.handlersMu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = handler
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handlersMu.Lock()
			delete(s.handlers, id)
			s.handlersMu.Unlock()
		})
	}
}

// Notify delivers ev to local handlers only.
func (s *Synchronizer) Notify(ev Event) {
	s.emit(ev)
}

// SetAllowedDomains replaces the allowed origin domains. The next validity
// sweep applies them to the current session.
func (s *Synchronizer) SetAllowedDomains(domains []string) {
	allowed := normalizeDomains(domains)
	s.mu.Lock()
	s.allowed = allowed
	s.mu.Unlock()
	s.logger.Debug("Allowed session domains updated", "count", len(allowed))
}

// SetSessionTimeout replaces the inactivity timeout. Sessions pick it up on
// their next activity.
func (s *Synchronizer) SetSessionTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSessionTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// StartSession records a successful acquisition for principal. An active
// local or persisted session of the same principal is extended and shared;
// otherwise a new session is created.
func (s *Synchronizer) StartSession(ctx context.Context, principal string, creds *credential.Set) (*Session, error) {
	if principal == "" && creds != nil {
		principal = creds.AccountID
	}
	if principal == "" {
		return nil, errors.New("sessionsync: principal is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	allowed := s.domainAllowedLocked(s.originDomain)
	s.mu.Unlock()
	if !allowed {
		s.auditor.LogSessionEvent(security.EventDomainRejected, principal, "", s.originDomain)
		return nil, ErrDomainNotAllowed
	}

	persisted, err := s.readPersisted(ctx)
	if err != nil {
		s.logger.Warn("Failed to read persisted session, starting a new one", "error", err)
		persisted = nil
	}

	now := s.clock.Now()

	s.mu.Lock()
	previous := s.local
	timeout := s.timeout
	var sess *Session
	msgType := bus.TypeUpdated
	switch {
	case previous.Active(now) && previous.Principal == principal:
		sess = previous.Clone()
	case persisted.Active(now) && persisted.Principal == principal && s.domainAllowedLocked(persisted.OriginDomain):
		sess = persisted
	default:
		sess = &Session{
			ID:           newSessionID(now),
			Principal:    principal,
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(s.timeout),
			IsValid:      true,
			OriginDomain: s.originDomain,
		}
		msgType = bus.TypeCreated
	}
	s.mu.Unlock()

	sess.touch(now, timeout)
	for k, v := range metadataFor(creds) {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		sess.Metadata[k] = v
	}

	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.local = sess
	s.armSweepsLocked()
	snapshot := sess.Clone()
	s.mu.Unlock()

	if previous != nil && previous.ID != sess.ID {
		s.publish(ctx, bus.TypeEnded, previous.ID, nil)
	}
	s.publish(ctx, msgType, sess.ID, nil)

	event := "joined"
	if msgType == bus.TypeCreated {
		event = "started"
		s.auditor.LogSessionEvent(security.EventSessionStarted, principal, sess.ID, "")
	}
	s.metrics.RecordSessionEvent(ctx, event)
	s.logger.Debug("Session started", "session_id", sess.ID, "kind", event)

	s.emit(Event{Type: EventSessionChanged, Session: snapshot.Clone()})
	return snapshot, nil
}

// EndSession terminates the local session, removes its persisted record and
// tells sibling contexts. Without a session it does nothing.
func (s *Synchronizer) EndSession(ctx context.Context) error {
	s.mu.Lock()
	sess := s.local
	if sess == nil {
		s.mu.Unlock()
		return nil
	}
	s.local = nil
	s.stopSweepsLocked()
	s.mu.Unlock()

	return s.terminate(ctx, sess, ReasonLogout, false)
}

// DetectSession returns the active session, adopting a persisted one left
// by a sibling context. It returns nil when there is none.
func (s *Synchronizer) DetectSession(ctx context.Context) (*Session, error) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.local.Active(now) {
		defer s.mu.Unlock()
		return s.local.Clone(), nil
	}
	stale := s.local
	if stale != nil {
		s.local = nil
		s.stopSweepsLocked()
	}
	s.mu.Unlock()

	if stale != nil {
		reason := ReasonExpired
		if !stale.IsValid {
			reason = ReasonInvalidated
		}
		if err := s.terminate(ctx, stale, reason, true); err != nil {
			s.logger.Warn("Failed to clear expired session", "session_id", stale.ID, "error", err)
		}
	}

	persisted, err := s.readPersisted(ctx)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		return nil, nil
	}

	s.mu.Lock()
	if !persisted.Active(now) || !s.domainAllowedLocked(persisted.OriginDomain) {
		s.mu.Unlock()
		return nil, nil
	}
	if s.local.Active(now) {
		defer s.mu.Unlock()
		return s.local.Clone(), nil
	}
	s.local = persisted
	s.armSweepsLocked()
	snapshot := persisted.Clone()
	s.mu.Unlock()

	s.metrics.RecordSessionEvent(ctx, "detected")
	s.emit(Event{Type: EventSessionChanged, Session: snapshot.Clone()})
	return snapshot, nil
}

// RecordActivity extends the local session. The persisted write and the
// activity_ping broadcast happen at most once per debounce window.
func (s *Synchronizer) RecordActivity(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.local.Active(now) {
		s.mu.Unlock()
		return nil
	}
	s.local.touch(now, s.timeout)
	id := s.local.ID
	s.mu.Unlock()

	if !s.gate.Allow(id) {
		return nil
	}

	persisted, err := s.readPersisted(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.local == nil || s.local.ID != id {
		s.mu.Unlock()
		return nil
	}
	if persisted != nil && persisted.ID != id {
		// A sibling replaced the record; the validity sweep reconciles.
		s.mu.Unlock()
		return nil
	}
	if persisted != nil {
		s.local.touch(persisted.LastActivity, s.timeout)
	}
	snapshot := s.local.Clone()
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.publish(ctx, bus.TypeActivityPing, id, nil)
	s.metrics.RecordSessionEvent(ctx, "activity")
	return nil
}

// PublishCredentialsRefreshed hands renewed credentials to sibling contexts
// so they can adopt them without a storage round-trip.
func (s *Synchronizer) PublishCredentialsRefreshed(ctx context.Context, set *credential.Set, req credential.Request) error {
	if set == nil || set.AccessToken == "" {
		return errors.New("sessionsync: cannot publish empty credentials")
	}
	payload, err := json.Marshal(CredentialsPayload{Credentials: set, Request: req})
	if err != nil {
		return fmt.Errorf("failed to encode credentials payload: %w", err)
	}

	s.mu.Lock()
	var sessionID string
	if s.local != nil {
		sessionID = s.local.ID
	}
	s.mu.Unlock()

	s.publish(ctx, bus.TypeCredentialRefreshed, sessionID, payload)
	return nil
}

// Close cancels both sweeps, unsubscribes from the bus and stops reporting
// activity metrics. The bus itself is left open. Close is idempotent.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopSweepsLocked()
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.stopStats()
}

// terminate runs the shared end-of-session path for a session already
// detached from local state.
func (s *Synchronizer) terminate(ctx context.Context, sess *Session, reason string, expired bool) error {
	var deleteErr error
	persisted, err := s.readPersisted(ctx)
	switch {
	case err != nil:
		deleteErr = err
	case persisted != nil && persisted.ID == sess.ID:
		if err := s.kv.Delete(ctx, s.key); err != nil {
			deleteErr = fmt.Errorf("failed to delete session: %w", err)
		}
	}
	if deleteErr != nil {
		s.logger.Warn("Failed to remove persisted session", "session_id", sess.ID, "error", deleteErr)
	}

	s.gate.Forget(sess.ID)

	msgType, eventType, auditType := bus.TypeEnded, EventSessionEnded, security.EventSessionEnded
	if expired {
		msgType, eventType, auditType = bus.TypeExpired, EventSessionExpired, security.EventSessionExpired
	}
	s.publish(ctx, msgType, sess.ID, nil)
	s.auditor.LogSessionEvent(auditType, sess.Principal, sess.ID, reason)
	s.metrics.RecordSessionEvent(ctx, string(eventType))
	s.logger.Info("Session terminated", "session_id", sess.ID, "reason", reason)

	s.emit(Event{Type: eventType})

	if expired {
		if s.onExpired != nil {
			s.onExpired(sess.Clone(), reason)
		}
	} else if s.onEnded != nil {
		s.onEnded(sess.Clone())
	}
	return deleteErr
}

// receive applies a sibling broadcast according to its trust policy.
func (s *Synchronizer) receive(m bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	if m.Origin == s.origin {
		s.metrics.RecordBroadcastReceived(ctx, string(m.Type), "self")
		return
	}

	var disposition string
	switch m.Type.Trust() {
	case bus.TrustReRead:
		disposition = s.reRead(ctx, m)
	case bus.TrustLocalMatch:
		disposition = s.remoteTermination(ctx, m)
	case bus.TrustWatermark:
		disposition = s.watermark(m)
	case bus.TrustPayload:
		disposition = s.applyPayload(m)
	default:
		disposition = "ignored"
	}
	s.metrics.RecordBroadcastReceived(ctx, string(m.Type), disposition)
}

func (s *Synchronizer) reRead(ctx context.Context, m bus.Message) string {
	persisted, err := s.readPersisted(ctx)
	if err != nil {
		s.logger.Debug("Failed to re-read session after broadcast", "error", err)
		return "error"
	}
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed || persisted == nil || persisted.ID != m.SessionID ||
		!persisted.Active(now) || !s.domainAllowedLocked(persisted.OriginDomain) {
		s.mu.Unlock()
		return "ignored"
	}
	if s.local != nil && s.local.ID == persisted.ID {
		s.local.touch(persisted.LastActivity, s.timeout)
		s.local.Principal = persisted.Principal
		s.local.Metadata = persisted.Metadata
	} else {
		s.local = persisted
		s.armSweepsLocked()
	}
	snapshot := s.local.Clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventSessionChanged, Session: snapshot, Remote: true})
	return "adopted"
}

func (s *Synchronizer) remoteTermination(ctx context.Context, m bus.Message) string {
	s.mu.Lock()
	if s.local == nil || s.local.ID != m.SessionID {
		s.mu.Unlock()
		return "ignored"
	}
	sess := s.local
	s.local = nil
	s.stopSweepsLocked()
	s.mu.Unlock()

	s.gate.Forget(sess.ID)
	eventType := EventSessionEnded
	if m.Type == bus.TypeExpired {
		eventType = EventSessionExpired
	}
	s.metrics.RecordSessionEvent(ctx, string(eventType))
	s.logger.Debug("Session terminated by sibling context", "session_id", sess.ID, "type", m.Type)

	s.emit(Event{Type: eventType, Remote: true})
	return "applied"
}

func (s *Synchronizer) watermark(m bus.Message) string {
	now := s.clock.Now()
	at := m.Timestamp
	if at.After(now) {
		at = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil || s.local.ID != m.SessionID {
		return "ignored"
	}
	s.local.touch(at, s.timeout)
	return "applied"
}

func (s *Synchronizer) applyPayload(m bus.Message) string {
	var p CredentialsPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Credentials == nil || p.Credentials.AccessToken == "" {
		return "invalid"
	}
	s.emit(Event{
		Type:        EventCredentialsRefreshed,
		Credentials: p.Credentials,
		Request:     p.Request,
		Remote:      true,
	})
	return "applied"
}

func (s *Synchronizer) publish(ctx context.Context, typ bus.MessageType, sessionID string, payload json.RawMessage) {
	m := bus.Message{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: s.clock.Now(),
		Origin:    s.origin,
		Payload:   payload,
	}
	if err := s.bus.Publish(ctx, m); err != nil {
		s.logger.Warn("Failed to broadcast session message", "type", typ, "error", err)
		return
	}
	s.metrics.RecordBroadcastSent(ctx, string(typ))
}

func (s *Synchronizer) emit(ev Event) {
	s.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// readPersisted returns the persisted session or nil. Undecodable records
// read as absent.
func (s *Synchronizer) readPersisted(ctx context.Context) (*Session, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	sess, err := decodeSession(raw)
	if err != nil {
		s.logger.Warn("Ignoring undecodable session record", "error", err)
		return nil, nil
	}
	return sess, nil
}

func (s *Synchronizer) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, string(data), 0); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (s *Synchronizer) domainAllowedLocked(domain string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[strings.ToLower(domain)]
	return ok
}

func normalizeDomains(domains []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			allowed[d] = struct{}{}
		}
	}
	return allowed
}
