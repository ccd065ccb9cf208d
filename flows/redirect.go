package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/storage"
)

// DefaultRedirectTTL bounds how long a pending redirect request is kept.
const DefaultRedirectTTL = 10 * time.Minute

// pendingRequest is the persisted form of an in-flight redirect.
type pendingRequest struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	Scopes       []string  `json:"scopes"`
	AccountID    string    `json:"account_id,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// Redirect runs the authorization request as a full navigation. The request
// state is persisted in tab-scoped storage before navigating and consumed by
// HandleCallback when the context is re-entered.
type Redirect struct {
	Storage   storage.KV
	Navigator Navigator

	// Prefix namespaces the persisted request (default "tokensync.")
	Prefix string

	// TTL bounds the pending request (default 10m)
	TTL time.Duration

	Clock           clock.Clock
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// StorageKey returns the key of the pending request.
func (r *Redirect) StorageKey() string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "tokensync."
	}
	return prefix + "redirect.request"
}

// Start persists the request and navigates to the authorization URL. On
// success it returns ErrRedirectPending.
func (r *Redirect) Start(ctx context.Context, req *AuthRequest) error {
	if r.Storage == nil {
		return autherr.New(autherr.KindConfig, "redirect flow requires tab storage")
	}
	if r.Navigator == nil {
		return autherr.New(autherr.KindConfig, "redirect flow requires a navigator")
	}

	pending := pendingRequest{
		State:        req.State,
		Nonce:        req.Nonce,
		CodeVerifier: req.CodeVerifier,
		Scopes:       req.Scopes,
		AccountID:    req.AccountID,
		RedirectURI:  req.RedirectURI,
		CreatedAt:    clock.OrReal(r.Clock).Now(),
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect request: %w", err)
	}
	if err := r.Storage.Set(ctx, r.StorageKey(), string(data), r.ttl()); err != nil {
		return fmt.Errorf("failed to persist redirect request: %w", err)
	}

	if err := r.Navigator.Navigate(ctx, req.URL); err != nil {
		r.clear(ctx)
		return fmt.Errorf("failed to navigate to authorization endpoint: %w", err)
	}

	r.Auditor.LogEvent(security.Event{
		Type:      security.EventFlowStarted,
		Principal: req.AccountID,
		Details:   map[string]any{"flow": "redirect"},
	})
	r.Instrumentation.Metrics().RecordFlowOutcome(ctx, "redirect", "pending")
	return ErrRedirectPending
}

// Pending reports whether a redirect request is waiting for its callback.
func (r *Redirect) Pending(ctx context.Context) bool {
	if r.Storage == nil {
		return false
	}
	_, err := r.Storage.Get(ctx, r.StorageKey())
	return err == nil
}

// HandleCallback correlates callbackURL with the pending request. The
// pending request is removed on every outcome.
func (r *Redirect) HandleCallback(ctx context.Context, callbackURL string) (result *Result, err error) {
	defer func() {
		r.Instrumentation.Metrics().RecordFlowOutcome(ctx, "redirect", outcome(err))
	}()

	if r.Storage == nil {
		return nil, autherr.New(autherr.KindConfig, "redirect flow requires tab storage")
	}

	raw, err := r.Storage.Get(ctx, r.StorageKey())
	if err != nil {
		if !storage.IsNotFound(err) {
			r.logger().Warn("Failed to read pending redirect request", "error", err)
		}
		r.Auditor.LogStateMismatch("redirect", "no pending request")
		return nil, autherr.New(autherr.KindStateMismatch, "no pending redirect request")
	}
	defer r.clear(ctx)

	var pending pendingRequest
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		r.Auditor.LogStateMismatch("redirect", "corrupt pending request")
		return nil, autherr.Wrap(autherr.KindStateMismatch, "pending redirect request is unreadable", err)
	}
	if clock.OrReal(r.Clock).Now().Sub(pending.CreatedAt) > r.ttl() {
		r.Auditor.LogStateMismatch("redirect", "pending request expired")
		return nil, autherr.New(autherr.KindStateMismatch, "pending redirect request expired")
	}

	params, err := callbackParams(callbackURL)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStateMismatch, "unreadable redirect callback", err)
	}

	result, err = correlate(params, &AuthRequest{
		State:        pending.State,
		Nonce:        pending.Nonce,
		CodeVerifier: pending.CodeVerifier,
		RedirectURI:  pending.RedirectURI,
		AccountID:    pending.AccountID,
		Scopes:       pending.Scopes,
	})
	switch {
	case autherr.IsKind(err, autherr.KindStateMismatch):
		r.Auditor.LogStateMismatch("redirect", "state mismatch")
	case err != nil:
		r.Auditor.LogEvent(security.Event{
			Type:      security.EventProviderCallbackError,
			Principal: pending.AccountID,
			Details:   map[string]any{"error": params.Get("error")},
		})
	}
	return result, err
}

func (r *Redirect) clear(ctx context.Context) {
	if err := r.Storage.Delete(ctx, r.StorageKey()); err != nil {
		r.logger().Warn("Failed to clear pending redirect request", "error", err)
	}
}

func (r *Redirect) ttl() time.Duration {
	if r.TTL <= 0 {
		return DefaultRedirectTTL
	}
	return r.TTL
}

func (r *Redirect) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
