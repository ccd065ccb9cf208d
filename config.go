package tokensync

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/flows"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/internal/util"
	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/refresh"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/sessionsync"
	"github.com/giantswarm/tokensync/storage"
)

// PersistenceMode selects where credentials are cached.
type PersistenceMode string

const (
	// PersistenceMemory keeps credentials in process memory only
	PersistenceMemory PersistenceMode = "memory"

	// PersistenceTabScoped caches credentials in storage private to this
	// context
	PersistenceTabScoped PersistenceMode = "tab-scoped"

	// PersistenceDurable caches credentials in storage shared by every
	// context
	PersistenceDurable PersistenceMode = "durable"
)

// DefaultPrefix namespaces every persisted key.
const DefaultPrefix = "tokensync."

// minSessionTimeout is the session timeout below which a warning is logged.
const minSessionTimeout = time.Minute

// Config holds the client configuration
// Structured using composition for better organization
type Config struct {
	// ClientID is the OAuth client identifier (required)
	ClientID string

	// ClientSecret is only set for confidential clients
	ClientSecret string

	// Authority describes the identity provider, typically built by one of
	// the providers/oidc, providers/dex, providers/google or providers/github
	// presets. It takes precedence over Issuer and explicit endpoints.
	Authority *providers.Authority

	// Issuer is discovered through OpenID Connect discovery when Authority
	// is nil
	Issuer string

	// AuthURL and TokenURL are used when neither Authority nor Issuer is set
	AuthURL  string
	TokenURL string

	// RedirectURL is where the provider sends the authorization response
	RedirectURL string

	// Scopes are requested when a call names none. Defaults to the
	// authority's scopes.
	Scopes []string

	// AccountID names the default cache slot. Empty derives the account
	// from the ID token subject.
	AccountID string

	// RefreshBuffer is how long before expiry credentials are renewed.
	// Default: 5 minutes
	RefreshBuffer time.Duration

	// RequestTimeout bounds one token endpoint exchange.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// Persistence settings
	Persistence PersistenceConfig

	// Session synchronization settings
	Session SessionConfig

	// Interactive flow settings
	Flows FlowConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Bus carries broadcasts to sibling contexts. When nil, or when it
	// reports bus.ErrUnavailable, change notifications of a Watchable
	// durable store are used instead.
	Bus bus.Bus

	// Clock is the time source (default: real time)
	Clock clock.Clock

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation records metrics and traces (optional)
	Instrumentation *instrumentation.Instrumentation

	// HTTPClient is used for discovery and token requests
	HTTPClient *http.Client
}

// PersistenceConfig holds storage settings
type PersistenceConfig struct {
	// Mode selects the credential cache location.
	// Default: durable when Durable is set, memory otherwise
	Mode PersistenceMode

	// Durable is shared by every context of the same origin. The session
	// record lives here when set.
	Durable storage.KV

	// Tab is private to this context. It holds pending redirect requests
	// and, in tab-scoped mode, credentials. Default: a new memory store
	Tab storage.KV

	// Prefix namespaces every key.
	// Default: "tokensync."
	Prefix string
}

// SessionConfig holds session synchronization settings
type SessionConfig struct {
	// Timeout is the inactivity period after which a session ends.
	// Default: 30 minutes
	Timeout time.Duration

	// ActivityDebounce is the minimum spacing of persisted activity.
	// Default: 10 seconds
	ActivityDebounce time.Duration

	// InactivitySweepInterval default: 1 minute
	InactivitySweepInterval time.Duration

	// ValiditySweepInterval default: 5 minutes
	ValiditySweepInterval time.Duration

	// OriginDomain is stamped on sessions started by this context
	OriginDomain string

	// AllowedDomains restricts session origin domains. Empty allows all.
	AllowedDomains []string
}

// FlowConfig holds interactive flow settings
type FlowConfig struct {
	// Mode is the default interactive mode.
	// Default: auto (popup, falling back to redirect)
	Mode refresh.Mode

	// Opener opens popup windows. Nil disables the popup flow.
	Opener flows.Opener

	// Navigator performs redirects. Nil disables the redirect flow.
	Navigator flows.Navigator

	// PopupPollInterval default: 100 milliseconds
	PopupPollInterval time.Duration

	// PopupTimeout default: 60 seconds
	PopupTimeout time.Duration

	// RedirectTTL bounds a pending redirect request.
	// Default: 10 minutes
	RedirectTTL time.Duration
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// KeyProvider supplies the credential cache key. Default: an ephemeral
	// key, which makes durable entries unreadable by other processes.
	KeyProvider security.KeyProvider

	// VerifySignatures enables ID token signature verification for an
	// Issuer-discovered authority
	VerifySignatures bool

	// EnableAuditLogging enables security audit logging.
	// Logs acquisitions, refreshes and session events (sensitive data hashed).
	EnableAuditLogging bool
}

// applyDefaults fills unset fields. It never overrides explicit values.
func applyDefaults(cfg *Config) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = refresh.DefaultRefreshBuffer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = refresh.DefaultRequestTimeout
	}
	if len(cfg.Scopes) == 0 && cfg.Authority != nil {
		cfg.Scopes = slices.Clone(cfg.Authority.Scopes)
	}

	p := &cfg.Persistence
	if p.Mode == "" {
		p.Mode = PersistenceMemory
		if p.Durable != nil {
			p.Mode = PersistenceDurable
		}
	}
	if p.Prefix == "" {
		p.Prefix = DefaultPrefix
	}

	s := &cfg.Session
	if s.Timeout <= 0 {
		s.Timeout = sessionsync.DefaultSessionTimeout
	}
	if s.ActivityDebounce <= 0 {
		s.ActivityDebounce = security.DefaultActivityWindow
	}
	if s.InactivitySweepInterval <= 0 {
		s.InactivitySweepInterval = sessionsync.DefaultInactivitySweepInterval
	}
	if s.ValiditySweepInterval <= 0 {
		s.ValiditySweepInterval = sessionsync.DefaultValiditySweepInterval
	}

	f := &cfg.Flows
	if f.Mode == "" {
		f.Mode = refresh.ModeAuto
	}
	if f.PopupPollInterval <= 0 {
		f.PopupPollInterval = flows.DefaultPopupPollInterval
	}
	if f.PopupTimeout <= 0 {
		f.PopupTimeout = flows.DefaultPopupTimeout
	}
	if f.RedirectTTL <= 0 {
		f.RedirectTTL = flows.DefaultRedirectTTL
	}
}

// validate checks the configuration after defaults are applied.
func validate(cfg *Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", ErrInvalidConfig)
	}
	if cfg.Authority == nil && cfg.Issuer == "" && cfg.TokenURL == "" {
		return fmt.Errorf("%w: an authority, issuer or token URL is required", ErrInvalidConfig)
	}
	switch cfg.Persistence.Mode {
	case PersistenceMemory, PersistenceTabScoped:
	case PersistenceDurable:
		if cfg.Persistence.Durable == nil {
			return fmt.Errorf("%w: durable persistence requires a durable store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown persistence mode %q", ErrInvalidConfig, cfg.Persistence.Mode)
	}
	switch cfg.Flows.Mode {
	case refresh.ModeAuto, refresh.ModePopup, refresh.ModeRedirect:
	default:
		return fmt.Errorf("%w: unknown interactive mode %q", ErrInvalidConfig, cfg.Flows.Mode)
	}
	return nil
}

// logSecurityWarnings reports settings that weaken the client.
func logSecurityWarnings(cfg *Config, logger *slog.Logger) {
	if cfg.RedirectURL != "" && !secureRedirect(cfg.RedirectURL) {
		logger.Warn("⚠️  SECURITY WARNING: Redirect URL is not HTTPS",
			"redirect_url", cfg.RedirectURL,
			"risk", "Authorization codes sent in clear text",
			"recommendation", "Use HTTPS or a loopback address")
	}
	if cfg.Persistence.Mode == PersistenceMemory && cfg.Persistence.Durable != nil {
		logger.Warn("⚠️  NOTICE: Durable store configured but credentials are kept in memory",
			"risk", "Credentials are lost when the process exits",
			"recommendation", "Set Persistence.Mode to durable")
	}
	if cfg.Persistence.Mode != PersistenceMemory && cfg.Security.KeyProvider == nil {
		logger.Warn("⚠️  NOTICE: Using an ephemeral cache key",
			"risk", "Persisted credentials cannot be read by other processes or after restart",
			"recommendation", "Configure Security.KeyProvider with a shared key")
	}
	if cfg.Session.Timeout < minSessionTimeout {
		logger.Warn("⚠️  NOTICE: Very short session timeout",
			"timeout", cfg.Session.Timeout,
			"risk", "Sessions end between ordinary user interactions",
			"recommendation", fmt.Sprintf("Use at least %s", minSessionTimeout))
	}
}

// secureRedirect reports whether u is HTTPS or points at a loopback host.
func secureRedirect(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Scheme, "https") {
		return true
	}
	return util.IsLoopbackHostname(parsed.Hostname())
}
