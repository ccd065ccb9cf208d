package flows

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/security"
)

const (
	// DefaultPopupPollInterval is how often the popup location is checked.
	DefaultPopupPollInterval = 100 * time.Millisecond

	// DefaultPopupTimeout bounds a popup flow.
	DefaultPopupTimeout = 60 * time.Second
)

// Popup runs the authorization request in a separate window and polls it
// until the provider redirects back.
type Popup struct {
	Opener       Opener
	PollInterval time.Duration
	Timeout      time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Acquire opens the window and waits for the authorization response.
//
// The failure kinds popup_blocked, popup_closed and popup_timeout are
// distinct so the caller can fall back to a redirect. Cancelling ctx closes
// the window and returns ctx.Err().
func (p *Popup) Acquire(ctx context.Context, req *AuthRequest) (result *Result, err error) {
	defer func() {
		p.Instrumentation.Metrics().RecordFlowOutcome(ctx, "popup", outcome(err))
	}()

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if p.Opener == nil {
		return nil, autherr.New(autherr.KindPopupBlocked, "no popup opener configured")
	}
	win, err := p.Opener.Open(ctx, req.URL)
	if err != nil {
		logger.Warn("Popup could not be opened", "error", err)
		return nil, autherr.Wrap(autherr.KindPopupBlocked, "popup could not be opened", err)
	}
	p.Auditor.LogEvent(security.Event{
		Type:      security.EventFlowStarted,
		Principal: req.AccountID,
		Details:   map[string]any{"flow": "popup"},
	})

	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPopupPollInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPopupTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = win.Close()
			return nil, ctx.Err()

		case <-deadline.C:
			_ = win.Close()
			logger.Info("Popup flow timed out", "timeout", timeout)
			return nil, autherr.Newf(autherr.KindPopupTimeout, "popup did not complete within %s", timeout)

		case <-ticker.C:
			// Unreadable locations are expected while the provider's pages are shown.
			location, err := win.Location()
			if err == nil && location != "" && matchesRedirect(location, req.RedirectURI) {
				_ = win.Close()
				return p.complete(location, req)
			}
			if win.Closed() {
				return nil, autherr.New(autherr.KindPopupClosed, "popup was closed before completing")
			}
		}
	}
}

func (p *Popup) complete(location string, req *AuthRequest) (*Result, error) {
	params, err := callbackParams(location)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStateMismatch, "unreadable popup callback", err)
	}
	result, err := correlate(params, req)
	if autherr.IsKind(err, autherr.KindStateMismatch) {
		p.Auditor.LogStateMismatch("popup", "state mismatch")
	}
	return result, err
}
