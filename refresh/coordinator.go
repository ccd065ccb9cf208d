package refresh

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/flows"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/security"
)

const (
	// DefaultRefreshBuffer is how long before expiry credentials are renewed.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultRequestTimeout bounds one token endpoint exchange.
	DefaultRequestTimeout = 30 * time.Second
)

// Refresh triggers, used as metric labels.
const (
	TriggerCaller     = "caller"
	TriggerSilent     = "silent"
	TriggerBackground = "background"
)

// CredentialStore is the cache the coordinator reads and updates.
type CredentialStore interface {
	Get(ctx context.Context, key string) (*credential.CacheEntry, bool)
	Put(ctx context.Context, key string, entry *credential.CacheEntry) error
	Evict(ctx context.Context, key string)
}

// IDTokenVerifier verifies an ID token signature and returns its claims.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*credential.IDClaims, error)
}

// Mode selects the interactive flow.
type Mode string

const (
	// ModeAuto tries the popup and falls back to a redirect when the popup
	// is blocked, closed or times out.
	ModeAuto Mode = "auto"

	// ModePopup only uses the popup.
	ModePopup Mode = "popup"

	// ModeRedirect navigates away; the result arrives via CompleteRedirect.
	ModeRedirect Mode = "redirect"
)

// InteractiveOptions configure AcquireInteractive.
type InteractiveOptions struct {
	Request credential.Request
	Mode    Mode
	Auth    flows.AuthOptions
}

// Result is the outcome of a refresh.
type Result struct {
	Credentials *credential.Set

	// RequiresInteraction is set when the refresh credential was rejected
	RequiresInteraction bool

	// Shared is set when the exchange was shared with concurrent callers
	Shared bool
}

// CredentialsFunc observes credentials stored by the coordinator.
type CredentialsFunc func(set *credential.Set, req credential.Request)

// FailureFunc observes background refresh failures.
type FailureFunc func(err error, req credential.Request)

// Config configures a Coordinator.
type Config struct {
	// Store is the credential cache (required)
	Store CredentialStore

	// Exchanger talks to the token endpoint. Without it every operation
	// fails with config_error.
	Exchanger *Exchanger

	// Popup and Redirect are the interactive flows (optional)
	Popup    *flows.Popup
	Redirect *flows.Redirect

	// Verifier checks ID token signatures. Without it ID tokens are decoded
	// without verification.
	Verifier IDTokenVerifier

	// RefreshBuffer defaults to 5m
	RefreshBuffer time.Duration

	// RequestTimeout defaults to 30s
	RequestTimeout time.Duration

	Clock           clock.Clock
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Coordinator owns credential acquisition and renewal for one context.
type Coordinator struct {
	store     CredentialStore
	exchanger *Exchanger
	popup     *flows.Popup
	redirect  *flows.Redirect
	verifier  IDTokenVerifier

	buffer         time.Duration
	requestTimeout time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	group singleflight.Group

	mu                  sync.Mutex
	timer               clock.Timer
	nextAt              time.Time
	generation          uint64
	stopped             bool
	onAcquired          CredentialsFunc
	onRefreshed         CredentialsFunc
	onBackgroundFailure FailureFunc
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("refresh: credential store is required")
	}

	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Coordinator{
		store:          cfg.Store,
		exchanger:      cfg.Exchanger,
		popup:          cfg.Popup,
		redirect:       cfg.Redirect,
		verifier:       cfg.Verifier,
		buffer:         buffer,
		requestTimeout: timeout,
		clock:          clock.OrReal(cfg.Clock),
		logger:         logger,
		auditor:        cfg.Auditor,
		metrics:        inst.Metrics(),
		tracer:         inst.Tracer("refresh"),
	}, nil
}

// OnAcquired registers the listener for interactively acquired credentials.
func (c *Coordinator) OnAcquired(fn CredentialsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAcquired = fn
}

// OnRefreshed registers the listener for credentials renewed by this
// coordinator.
func (c *Coordinator) OnRefreshed(fn CredentialsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRefreshed = fn
}

// OnBackgroundFailure registers the listener for failed background refreshes.
func (c *Coordinator) OnBackgroundFailure(fn FailureFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBackgroundFailure = fn
}

// AcquireSilent returns cached credentials for req, refreshing them when
// they are inside the refresh buffer.
func (c *Coordinator) AcquireSilent(ctx context.Context, req credential.Request) (*credential.Set, error) {
	ctx, span := c.tracer.Start(ctx, "refresh.acquire_silent")
	defer span.End()
	instrumentation.AddCredentialAttributes(span, req.AccountID, req.Scopes)

	entry, ok := c.store.Get(ctx, req.CacheKey())
	if !ok || entry.Credentials == nil {
		err := autherr.New(autherr.KindNoRefreshCredential, "no cached credentials")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	creds := entry.Credentials
	if !req.ForceRefresh && !creds.ExpiresWithin(c.clock.Now(), c.buffer) {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrCacheResult, "hit"))
		instrumentation.SetSpanSuccess(span)
		return creds, nil
	}
	if !creds.CanRefresh() {
		err := autherr.New(autherr.KindNoRefreshCredential, "cached credentials cannot be renewed")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	res, err := c.refresh(ctx, creds.RefreshToken, req, TriggerSilent)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return res.Credentials, nil
}

// Refresh redeems refreshToken for req. Concurrent calls for the same cache
// key share one exchange. A caller whose ctx ends stops waiting without
// cancelling the exchange.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string, req credential.Request) (*Result, error) {
	return c.refresh(ctx, refreshToken, req, TriggerCaller)
}

func (c *Coordinator) refresh(ctx context.Context, refreshToken string, req credential.Request, trigger string) (*Result, error) {
	if c.exchanger == nil {
		return nil, autherr.New(autherr.KindConfig, "no token endpoint configured")
	}
	c.metrics.RecordRefreshAttempt(ctx, trigger)

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(req.CacheKey(), func() (any, error) {
		return c.exchange(flightCtx, refreshToken, req, trigger)
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.metrics.RecordRefreshShared(ctx)
		}
		if r.Err != nil {
			return &Result{
				RequiresInteraction: autherr.IsInteractionRequired(r.Err),
				Shared:              r.Shared,
			}, r.Err
		}
		res, _ := r.Val.(*Result)
		if res == nil {
			return nil, autherr.New(autherr.KindNetwork, "refresh produced no credentials")
		}
		return &Result{Credentials: res.Credentials.Clone(), Shared: r.Shared}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exchange runs inside the flight. The cache is re-read first: credentials
// renewed meanwhile by another exchange are returned without a new call.
func (c *Coordinator) exchange(ctx context.Context, refreshToken string, req credential.Request, trigger string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "refresh.exchange")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTrigger, trigger))

	key := req.CacheKey()
	if entry, ok := c.store.Get(ctx, key); ok && entry.Credentials != nil {
		cached := entry.Credentials
		if cached.RefreshToken != refreshToken && !cached.ExpiresWithin(c.clock.Now(), c.buffer) {
			c.logger.Debug("Credentials were renewed concurrently", "trigger", trigger)
			c.ScheduleBackgroundRefresh(cached, req)
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrCacheResult, "renewed"))
			return &Result{Credentials: cached}, nil
		}
		if cached.RefreshToken != "" {
			refreshToken = cached.RefreshToken
		}
	}

	start := time.Now()
	exCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	set, err := c.exchanger.Refresh(exCtx, refreshToken, req.Scopes)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		c.metrics.RecordRefreshResult(ctx, trigger, string(autherr.KindOf(err)), elapsed)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, string(autherr.KindOf(err))))
		instrumentation.RecordError(span, err)
		if autherr.IsKind(err, autherr.KindCredentialRejected) {
			c.rejected(ctx, key, refreshToken, err)
		}
		return nil, err
	}

	rotated := set.RefreshToken != refreshToken
	set.AccountID = accountFor(set, req)
	if err := c.store.Put(ctx, key, credential.NewCacheEntry(set, req.AccountID, req.Scopes, c.clock.Now())); err != nil {
		c.logger.Warn("Failed to cache refreshed credentials", "error", err)
	}

	c.auditor.LogCredentialsRefreshed(principalOf(set), rotated)
	c.metrics.RecordRefreshResult(ctx, trigger, "success", elapsed)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRotated, rotated))
	instrumentation.SetSpanSuccess(span)

	c.ScheduleBackgroundRefresh(set, req)

	c.mu.Lock()
	fn := c.onRefreshed
	c.mu.Unlock()
	if fn != nil {
		fn(set.Clone(), req)
	}
	return &Result{Credentials: set}, nil
}

// rejected handles a terminal rejection: the timer is cancelled and the
// rejected refresh credential is dropped from the cache so later silent
// attempts fail fast.
func (c *Coordinator) rejected(ctx context.Context, key, refreshToken string, err error) {
	c.CancelBackgroundRefresh()

	var code string
	var authErr *autherr.Error
	if errors.As(err, &authErr) {
		code = authErr.Code
	}

	entry, ok := c.store.Get(ctx, key)
	principal := ""
	if ok && entry.Credentials != nil {
		principal = principalOf(entry.Credentials)
		if entry.Credentials.RefreshToken == refreshToken {
			stripped := entry.Clone()
			stripped.Credentials.RefreshToken = ""
			if err := c.store.Put(ctx, key, stripped); err != nil {
				c.logger.Warn("Failed to drop rejected refresh credential", "error", err)
			}
		}
	}

	c.logger.Info("Refresh credential rejected, interaction required", "code", code)
	c.auditor.LogRefreshRejected(principal, code)
}

// ScheduleBackgroundRefresh replaces the pending timer with one firing
// RefreshBuffer before set expires. Credentials without a refresh
// credential only cancel the pending timer.
func (c *Coordinator) ScheduleBackgroundRefresh(set *credential.Set, req credential.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopTimerLocked()
	if !set.CanRefresh() || set.ExpiresAt.IsZero() {
		return
	}

	fireAt := set.ExpiresAt.Add(-c.buffer)
	delay := fireAt.Sub(c.clock.Now())
	if delay < 0 {
		delay = 0
	}
	gen := c.generation
	c.nextAt = fireAt
	c.timer = c.clock.AfterFunc(delay, func() { c.runBackground(gen, req) })
	c.logger.Debug("Scheduled background refresh", "fire_at", fireAt)
}

// NextRefreshAt returns when the pending background refresh fires.
func (c *Coordinator) NextRefreshAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextAt, !c.nextAt.IsZero()
}

// CancelBackgroundRefresh cancels the pending timer, if any.
func (c *Coordinator) CancelBackgroundRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

// Stop cancels the pending timer and prevents new ones. It is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.stopTimerLocked()
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextAt = time.Time{}
	c.generation++
}

func (c *Coordinator) runBackground(gen uint64, req credential.Request) {
	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.nextAt = time.Time{}
	c.mu.Unlock()

	ctx := context.Background()
	var err error
	entry, ok := c.store.Get(ctx, req.CacheKey())
	if !ok || !entry.Credentials.CanRefresh() {
		err = autherr.New(autherr.KindNoRefreshCredential, "cached credentials cannot be renewed")
	} else {
		_, err = c.refresh(ctx, entry.Credentials.RefreshToken, req, TriggerBackground)
	}
	if err == nil {
		return
	}

	c.logger.Warn("Background refresh failed",
		"kind", autherr.KindOf(err),
		"error", err)
	c.auditor.LogEvent(security.Event{
		Type:    security.EventBackgroundRefreshFailed,
		Details: map[string]any{"kind": string(autherr.KindOf(err))},
	})

	c.mu.Lock()
	fn := c.onBackgroundFailure
	c.mu.Unlock()
	if fn != nil {
		fn(err, req)
	}
}

// Adopt stores credentials renewed by a sibling context. Credentials that
// do not outlive the cached ones are ignored.
func (c *Coordinator) Adopt(ctx context.Context, set *credential.Set, req credential.Request) error {
	if set == nil || set.AccessToken == "" {
		return errors.New("refresh: cannot adopt empty credentials")
	}
	key := req.CacheKey()
	if entry, ok := c.store.Get(ctx, key); ok && entry.Credentials != nil &&
		!set.ExpiresAt.After(entry.Credentials.ExpiresAt) {
		return nil
	}

	if err := c.store.Put(ctx, key, credential.NewCacheEntry(set, req.AccountID, req.Scopes, c.clock.Now())); err != nil {
		return err
	}
	c.ScheduleBackgroundRefresh(set, req)
	c.auditor.LogEvent(security.Event{
		Type:      security.EventCredentialsAdopted,
		Principal: principalOf(set),
	})
	return nil
}

// AcquireInteractive runs an interactive flow. In redirect mode, and when
// ModeAuto falls back to a redirect, it returns flows.ErrRedirectPending
// and the credentials arrive through CompleteRedirect.
func (c *Coordinator) AcquireInteractive(ctx context.Context, opts InteractiveOptions) (*credential.Set, error) {
	if c.exchanger == nil {
		return nil, autherr.New(autherr.KindConfig, "no token endpoint configured")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}

	authReq, err := flows.NewAuthRequest(c.exchanger.OAuth2Config(), opts.Request, opts.Auth)
	if err != nil {
		return nil, err
	}

	if mode == ModeRedirect || (mode == ModeAuto && c.popup == nil) {
		return nil, c.startRedirect(ctx, authReq)
	}
	if c.popup == nil {
		return nil, autherr.New(autherr.KindConfig, "no popup opener configured")
	}

	res, err := c.popup.Acquire(ctx, authReq)
	if err != nil {
		if mode == ModeAuto && autherr.IsPopupFailure(err) && c.redirect != nil {
			c.logger.Info("Popup flow failed, falling back to redirect", "kind", autherr.KindOf(err))
			retry, rerr := flows.NewAuthRequest(c.exchanger.OAuth2Config(), opts.Request, opts.Auth)
			if rerr != nil {
				return nil, rerr
			}
			return nil, c.startRedirect(ctx, retry)
		}
		return nil, err
	}
	return c.finalize(ctx, res)
}

func (c *Coordinator) startRedirect(ctx context.Context, req *flows.AuthRequest) error {
	if c.redirect == nil {
		return autherr.New(autherr.KindConfig, "redirect flow is not configured")
	}
	return c.redirect.Start(ctx, req)
}

// CompleteRedirect finishes a redirect flow from the callback URL.
func (c *Coordinator) CompleteRedirect(ctx context.Context, callbackURL string) (*credential.Set, error) {
	if c.redirect == nil {
		return nil, autherr.New(autherr.KindConfig, "redirect flow is not configured")
	}
	if c.exchanger == nil {
		return nil, autherr.New(autherr.KindConfig, "no token endpoint configured")
	}
	res, err := c.redirect.HandleCallback(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	return c.finalize(ctx, res)
}

// finalize redeems the authorization code, checks the ID token nonce,
// caches the credentials and schedules their renewal.
func (c *Coordinator) finalize(ctx context.Context, res *flows.Result) (*credential.Set, error) {
	ctx, span := c.tracer.Start(ctx, "refresh.finalize")
	defer span.End()

	req := res.Request()
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	defer cancel()

	set, err := c.exchanger.RedeemCode(exCtx, res.Code, res.CodeVerifier, res.RedirectURI, req.Scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	claims, err := c.checkNonce(ctx, set, res.Nonce)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	set.AccountID = req.AccountID
	if set.AccountID == "" && claims != nil {
		set.AccountID = claims.Subject
	}

	if err := c.store.Put(ctx, req.CacheKey(), credential.NewCacheEntry(set, req.AccountID, req.Scopes, c.clock.Now())); err != nil {
		c.logger.Warn("Failed to cache acquired credentials", "error", err)
	}
	c.ScheduleBackgroundRefresh(set, req)

	c.auditor.LogEvent(security.Event{
		Type:      security.EventCredentialsAcquired,
		Principal: principalOf(set),
	})
	instrumentation.SetSpanSuccess(span)

	c.mu.Lock()
	fn := c.onAcquired
	c.mu.Unlock()
	if fn != nil {
		fn(set.Clone(), req)
	}
	return set, nil
}

func (c *Coordinator) checkNonce(ctx context.Context, set *credential.Set, nonce string) (*credential.IDClaims, error) {
	if set.IDToken == "" {
		return nil, nil
	}

	var claims *credential.IDClaims
	var err error
	if c.verifier != nil {
		claims, err = c.verifier.Verify(ctx, set.IDToken)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindCredentialRejected, "ID token verification failed", err)
		}
	} else {
		claims, err = credential.ParseIDClaims(set.IDToken)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindNetwork, "malformed ID token", err)
		}
	}

	if nonce != "" && subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		c.auditor.LogNonceMismatch(claims.Subject)
		return nil, autherr.New(autherr.KindStateMismatch, "ID token nonce does not match the request")
	}
	return claims, nil
}

// principalOf identifies the subject of set for audit records.
func principalOf(set *credential.Set) string {
	if set == nil {
		return ""
	}
	if claims, err := credential.ParseIDClaims(set.IDToken); err == nil && claims.Subject != "" {
		return claims.Subject
	}
	return set.AccountID
}

func accountFor(set *credential.Set, req credential.Request) string {
	if req.AccountID != "" {
		return req.AccountID
	}
	if claims, err := credential.ParseIDClaims(set.IDToken); err == nil {
		return claims.Subject
	}
	return ""
}
