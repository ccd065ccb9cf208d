package tokensync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/bus/storagebus"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/credstore"
	"github.com/giantswarm/tokensync/flows"
	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/providers/oidc"
	"github.com/giantswarm/tokensync/refresh"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/sessionsync"
	"github.com/giantswarm/tokensync/storage"
	"github.com/giantswarm/tokensync/storage/memory"
)

// callbackTimeout bounds the work done from coordinator and bus callbacks.
const callbackTimeout = 10 * time.Second

// LoginOptions tune an interactive Login.
type LoginOptions struct {
	// AccountID names the cache slot. Empty uses Config.AccountID.
	AccountID string

	// Scopes default to Config.Scopes
	Scopes []string

	// Mode overrides Config.Flows.Mode
	Mode refresh.Mode

	Prompt       string
	LoginHint    string
	RedirectURI  string
	ResponseMode string
}

// Client acquires, caches, renews and synchronizes credentials for one
// context.
type Client struct {
	config    Config
	authority *providers.Authority
	logger    *slog.Logger
	auditor   *security.Auditor

	store       *credstore.Store
	coordinator *refresh.Coordinator
	sync        *sessionsync.Synchronizer

	unsubscribe func()
	closers     []func()

	mu          sync.Mutex
	closed      bool
	lastRequest credential.Request
}

// New creates a client. When the configuration names an Issuer instead of
// an Authority, the issuer's endpoints are discovered with ctx.
func New(ctx context.Context, cfg Config) (*Client, error) {
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	logSecurityWarnings(&cfg, logger)

	authority, err := resolveAuthority(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = slices.Clone(authority.Scopes)
	}

	c := &Client{
		config:    cfg,
		authority: authority,
		logger:    logger,
		auditor:   security.NewAuditor(logger, cfg.Security.EnableAuditLogging),
	}
	c.lastRequest = c.request(cfg.AccountID, nil)

	if err := c.build(); err != nil {
		c.release()
		return nil, err
	}

	c.coordinator.OnAcquired(c.onAcquired)
	c.coordinator.OnRefreshed(c.onRefreshed)
	c.coordinator.OnBackgroundFailure(c.onBackgroundFailure)
	c.unsubscribe = c.sync.OnEvent(c.onSessionEvent)

	logger.Debug("Client created",
		"authority", authority.Name,
		"persistence", cfg.Persistence.Mode,
		"popup", cfg.Flows.Opener != nil,
		"redirect", cfg.Flows.Navigator != nil)
	return c, nil
}

// build assembles the components. Resources created here are registered in
// c.closers.
func (c *Client) build() error {
	cfg := &c.config

	tab := cfg.Persistence.Tab
	if tab == nil {
		mem := memory.New()
		mem.SetLogger(c.logger)
		mem.SetClock(cfg.Clock)
		mem.SetInstrumentation(cfg.Instrumentation)
		c.closers = append(c.closers, mem.Stop)
		tab = mem
	}

	keys := cfg.Security.KeyProvider
	if keys == nil {
		ephemeral, err := security.NewEphemeralKeyProvider()
		if err != nil {
			return fmt.Errorf("failed to generate cache key: %w", err)
		}
		keys = ephemeral
	}

	var credentialKV storage.KV
	switch cfg.Persistence.Mode {
	case PersistenceDurable:
		credentialKV = cfg.Persistence.Durable
	case PersistenceTabScoped:
		credentialKV = tab
	}

	store, err := credstore.New(credstore.Config{
		KV:              credentialKV,
		KeyProvider:     keys,
		Prefix:          cfg.Persistence.Prefix,
		Logger:          c.logger,
		Auditor:         c.auditor,
		Instrumentation: cfg.Instrumentation,
		Clock:           cfg.Clock,
	})
	if err != nil {
		return err
	}
	c.store = store

	exchanger, err := refresh.NewExchanger(refresh.ExchangerConfig{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		AuthURL:         c.authority.Endpoint.AuthURL,
		TokenURL:        c.authority.Endpoint.TokenURL,
		RedirectURL:     cfg.RedirectURL,
		Scopes:          cfg.Scopes,
		ProviderName:    c.authority.Name,
		HTTPClient:      cfg.HTTPClient,
		Clock:           cfg.Clock,
		Logger:          c.logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return err
	}

	var popup *flows.Popup
	if cfg.Flows.Opener != nil {
		popup = &flows.Popup{
			Opener:          cfg.Flows.Opener,
			PollInterval:    cfg.Flows.PopupPollInterval,
			Timeout:         cfg.Flows.PopupTimeout,
			Logger:          c.logger,
			Auditor:         c.auditor,
			Instrumentation: cfg.Instrumentation,
		}
	}
	var redirect *flows.Redirect
	if cfg.Flows.Navigator != nil {
		redirect = &flows.Redirect{
			Storage:         tab,
			Navigator:       cfg.Flows.Navigator,
			Prefix:          cfg.Persistence.Prefix,
			TTL:             cfg.Flows.RedirectTTL,
			Clock:           cfg.Clock,
			Logger:          c.logger,
			Auditor:         c.auditor,
			Instrumentation: cfg.Instrumentation,
		}
	}

	var verifier refresh.IDTokenVerifier
	if c.authority.Verifier != nil {
		verifier = c.authority.Verifier
	}
	coordinator, err := refresh.New(refresh.Config{
		Store:           store,
		Exchanger:       exchanger,
		Popup:           popup,
		Redirect:        redirect,
		Verifier:        verifier,
		RefreshBuffer:   cfg.RefreshBuffer,
		RequestTimeout:  cfg.RequestTimeout,
		Clock:           cfg.Clock,
		Logger:          c.logger,
		Auditor:         c.auditor,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return err
	}
	c.coordinator = coordinator
	c.closers = append(c.closers, coordinator.Stop)

	sessionKV := cfg.Persistence.Durable
	if sessionKV == nil {
		sessionKV = tab
	}
	synchronizer, err := c.newSynchronizer(sessionKV)
	if err != nil {
		return err
	}
	c.sync = synchronizer
	c.closers = append(c.closers, synchronizer.Close)
	return nil
}

// newSynchronizer subscribes to the configured bus, falling back to change
// notifications of kv when the bus is missing or unavailable.
func (c *Client) newSynchronizer(kv storage.KV) (*sessionsync.Synchronizer, error) {
	cfg := &c.config
	sc := sessionsync.Config{
		Storage:                 kv,
		Prefix:                  cfg.Persistence.Prefix,
		SessionTimeout:          cfg.Session.Timeout,
		ActivityDebounce:        cfg.Session.ActivityDebounce,
		InactivitySweepInterval: cfg.Session.InactivitySweepInterval,
		ValiditySweepInterval:   cfg.Session.ValiditySweepInterval,
		OriginDomain:            cfg.Session.OriginDomain,
		AllowedDomains:          cfg.Session.AllowedDomains,
		Clock:                   cfg.Clock,
		Logger:                  c.logger,
		Auditor:                 c.auditor,
		Instrumentation:         cfg.Instrumentation,
	}

	if cfg.Bus != nil {
		sc.Bus = cfg.Bus
		s, err := sessionsync.New(sc)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, bus.ErrUnavailable) {
			return nil, err
		}
		c.logger.Warn("Message bus unavailable, falling back to storage events", "error", err)
	}

	sc.Bus = c.fallbackBus(kv)
	return sessionsync.New(sc)
}

func (c *Client) fallbackBus(kv storage.KV) bus.Bus {
	watchable, ok := kv.(storage.Watchable)
	if !ok {
		c.logger.Debug("Session store does not report changes, sibling contexts are not notified")
		return bus.Noop{}
	}
	b := storagebus.New(watchable, c.config.Persistence.Prefix, c.logger)
	c.closers = append(c.closers, func() { _ = b.Close() })
	return b
}

func resolveAuthority(ctx context.Context, cfg *Config) (*providers.Authority, error) {
	var authority *providers.Authority
	switch {
	case cfg.Authority != nil:
		authority = cfg.Authority.Clone()
	case cfg.Issuer != "":
		discovered, err := oidc.NewAuthority(ctx, oidc.AuthorityConfig{
			IssuerURL:        cfg.Issuer,
			ClientID:         cfg.ClientID,
			ClientSecret:     cfg.ClientSecret,
			Scopes:           cfg.Scopes,
			VerifySignatures: cfg.Security.VerifySignatures,
			HTTPClient:       cfg.HTTPClient,
			Logger:           cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to discover authority: %w", err)
		}
		authority = discovered
	default:
		authority = &providers.Authority{
			Name:   "oauth2",
			Scopes: slices.Clone(cfg.Scopes),
		}
	}

	if cfg.AuthURL != "" {
		authority.Endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		authority.Endpoint.TokenURL = cfg.TokenURL
	}
	if authority.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: authority %q has no token endpoint", ErrInvalidConfig, authority.Name)
	}
	return authority, nil
}

// Login acquires credentials interactively. In redirect mode it returns
// flows.ErrRedirectPending; the credentials then arrive through
// HandleRedirectCallback.
func (c *Client) Login(ctx context.Context, opts LoginOptions) (*credential.Set, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	req := c.request(opts.AccountID, opts.Scopes)
	mode := opts.Mode
	if mode == "" {
		mode = c.config.Flows.Mode
	}

	set, err := c.coordinator.AcquireInteractive(ctx, refresh.InteractiveOptions{
		Request: req,
		Mode:    mode,
		Auth: flows.AuthOptions{
			RedirectURI:  opts.RedirectURI,
			Prompt:       opts.Prompt,
			LoginHint:    opts.LoginHint,
			ResponseMode: opts.ResponseMode,
			ExtraParams:  maps.Clone(c.authority.AuthParams),
		},
	})
	if err == nil || errors.Is(err, flows.ErrRedirectPending) {
		c.remember(req)
	}
	return set, err
}

// HandleRedirectCallback completes a redirect started by Login.
func (c *Client) HandleRedirectCallback(ctx context.Context, callbackURL string) (*credential.Set, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.coordinator.CompleteRedirect(ctx, callbackURL)
}

// LoginSilent returns cached credentials for req, renewing them when needed,
// and joins or starts the session they belong to. An empty request uses the
// configured account and scopes.
func (c *Client) LoginSilent(ctx context.Context, req credential.Request) (*credential.Set, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	force := req.ForceRefresh
	req = c.request(req.AccountID, req.Scopes)
	req.ForceRefresh = force

	set, err := c.coordinator.AcquireSilent(ctx, req)
	if err != nil {
		return nil, err
	}
	c.remember(req)
	if _, scheduled := c.coordinator.NextRefreshAt(); !scheduled {
		c.coordinator.ScheduleBackgroundRefresh(set, req)
	}
	c.ensureSession(ctx, set)
	return set, nil
}

// Credentials returns valid credentials for the most recently used request.
func (c *Client) Credentials(ctx context.Context) (*credential.Set, error) {
	c.mu.Lock()
	req := c.lastRequest
	c.mu.Unlock()
	return c.LoginSilent(ctx, req)
}

// Session returns the current session, or nil.
func (c *Client) Session() *sessionsync.Session {
	return c.sync.Current()
}

// DetectSession returns the active session, adopting one started by a
// sibling context.
func (c *Client) DetectSession(ctx context.Context) (*sessionsync.Session, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.sync.DetectSession(ctx)
}

// RecordActivity extends the current session.
func (c *Client) RecordActivity(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sync.RecordActivity(ctx)
}

// OnEvent registers handler for session and credential events and returns
// a func removing it.
func (c *Client) OnEvent(handler sessionsync.EventHandler) (unsubscribe func()) {
	return c.sync.OnEvent(handler)
}

// Logout revokes cached refresh credentials where the authority supports
// it, clears the cache and ends the session in every context.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.coordinator.CancelBackgroundRefresh()

	entries := c.store.List(ctx)
	if revoker := c.authority.Revoker(); revoker != nil {
		for _, entry := range entries {
			if entry.Credentials == nil || entry.Credentials.RefreshToken == "" {
				continue
			}
			if err := revoker.RevokeToken(ctx, entry.Credentials.RefreshToken); err != nil {
				c.logger.Warn("Failed to revoke refresh token", "account_id", entry.AccountID, "error", err)
			}
		}
	}

	c.store.Clear(ctx)

	var principal string
	if sess := c.sync.Current(); sess != nil {
		principal = sess.Principal
	}
	c.auditor.LogEvent(security.Event{
		Type:      security.EventCredentialsCleared,
		Principal: principal,
		Details:   map[string]any{"entries": len(entries)},
	})

	if err := c.sync.EndSession(ctx); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// Profile fetches the user profile with the current access token. A token
// the provider rejects is renewed once and the call retried.
func (c *Client) Profile(ctx context.Context) (*providers.UserInfo, error) {
	if c.authority.Profile == nil {
		return nil, ErrNoProfileProvider
	}
	set, err := c.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	info, err := c.authority.Profile.FetchProfile(ctx, set.AccessToken, set.Scopes)
	if errors.Is(err, providers.ErrUnauthorized) && set.CanRefresh() {
		c.logger.Debug("Access token rejected by profile endpoint, renewing")
		c.mu.Lock()
		req := c.lastRequest
		c.mu.Unlock()
		req.ForceRefresh = true

		set, err = c.LoginSilent(ctx, req)
		if err != nil {
			return nil, err
		}
		info, err = c.authority.Profile.FetchProfile(ctx, set.AccessToken, set.Scopes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return info, nil
}

// CachedCredentials lists every cached entry.
func (c *Client) CachedCredentials(ctx context.Context) []*credential.CacheEntry {
	return c.store.List(ctx)
}

// Degraded reports whether the credential cache fell back to memory.
func (c *Client) Degraded() bool {
	return c.store.Degraded()
}

// NextRefreshAt returns when the next background refresh fires.
func (c *Client) NextRefreshAt() (time.Time, bool) {
	return c.coordinator.NextRefreshAt()
}

// SetAllowedDomains replaces the allowed session origin domains.
func (c *Client) SetAllowedDomains(domains []string) {
	c.sync.SetAllowedDomains(domains)
}

// SetSessionTimeout replaces the session inactivity timeout.
func (c *Client) SetSessionTimeout(d time.Duration) {
	c.sync.SetSessionTimeout(d)
}

// Authority returns a copy of the resolved authority.
func (c *Client) Authority() *providers.Authority {
	return c.authority.Clone()
}

// Close stops background refresh and both sweeps and releases the resources
// the client created. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.release()
	return nil
}

func (c *Client) release() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// request fills the configured defaults into an account and scope set.
func (c *Client) request(accountID string, scopes []string) credential.Request {
	if accountID == "" {
		accountID = c.config.AccountID
	}
	if len(scopes) == 0 {
		scopes = c.config.Scopes
	}
	return credential.Request{AccountID: accountID, Scopes: slices.Clone(scopes)}
}

func (c *Client) remember(req credential.Request) {
	req.ForceRefresh = false
	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()
}

// ensureSession joins the persisted session, or starts one, for credentials
// served from the cache.
func (c *Client) ensureSession(ctx context.Context, set *credential.Set) {
	if c.sync.Current() != nil {
		return
	}
	sess, err := c.sync.DetectSession(ctx)
	if err != nil {
		c.logger.Warn("Failed to detect session", "error", err)
	}
	if sess != nil {
		return
	}
	principal := principalOf(set)
	if principal == "" {
		return
	}
	if _, err := c.sync.StartSession(ctx, principal, set); err != nil {
		c.logger.Warn("Failed to start session", "error", err)
	}
}

func (c *Client) onAcquired(set *credential.Set, _ credential.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if _, err := c.sync.StartSession(ctx, principalOf(set), set); err != nil {
		c.logger.Warn("Failed to start session after login", "error", err)
	}
}

func (c *Client) onRefreshed(set *credential.Set, req credential.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := c.sync.PublishCredentialsRefreshed(ctx, set, req); err != nil {
		c.logger.Warn("Failed to publish refreshed credentials", "error", err)
	}
	c.sync.Notify(sessionsync.Event{
		Type:        sessionsync.EventCredentialsRefreshed,
		Credentials: set,
		Request:     req,
	})
}

func (c *Client) onBackgroundFailure(err error, req credential.Request) {
	eventType := sessionsync.EventRefreshFailed
	if autherr.IsInteractionRequired(err) {
		eventType = sessionsync.EventInteractionRequired
	}
	c.sync.Notify(sessionsync.Event{Type: eventType, Request: req, Err: err})
}

// onSessionEvent applies sibling-originated changes to the local cache and
// refresh schedule.
func (c *Client) onSessionEvent(ev sessionsync.Event) {
	switch ev.Type {
	case sessionsync.EventCredentialsRefreshed:
		if !ev.Remote {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if err := c.coordinator.Adopt(ctx, ev.Credentials, ev.Request); err != nil {
			c.logger.Warn("Failed to adopt credentials from sibling context", "error", err)
		}
	case sessionsync.EventSessionEnded:
		c.coordinator.CancelBackgroundRefresh()
		if ev.Remote {
			ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
			defer cancel()
			c.store.Clear(ctx)
		}
	case sessionsync.EventSessionExpired:
		c.coordinator.CancelBackgroundRefresh()
	}
}

func principalOf(set *credential.Set) string {
	if set == nil {
		return ""
	}
	if set.AccountID != "" {
		return set.AccountID
	}
	if claims, err := credential.ParseIDClaims(set.IDToken); err == nil {
		return claims.Subject
	}
	return ""
}
