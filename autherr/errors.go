// Package autherr defines the closed set of failure kinds produced by the
// token lifecycle engine. Provider responses are classified into a Kind once,
// at the network boundary; everything downstream switches on the Kind.
package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the tagged failure category.
type Kind string

// Failure kinds.
const (
	// KindConfig means no authority or client is configured, or the provider
	// rejected the client itself. Never retried.
	KindConfig Kind = "config_error"

	// KindNetwork is a transport failure, timeout, or provider-side outage.
	// The scheduled refresh cycle may retry it.
	KindNetwork Kind = "network_error"

	// KindCredentialRejected means the provider reported the refresh
	// credential as invalid or expired. Terminal for silent renewal.
	KindCredentialRejected Kind = "credential_rejected"

	// KindStateMismatch is a redirect correlation (state or nonce) mismatch.
	// Treated as a security violation.
	KindStateMismatch Kind = "state_mismatch"

	// KindPopupBlocked means the popup surface could not be opened.
	KindPopupBlocked Kind = "popup_blocked"

	// KindPopupClosed means the user closed the popup before completion.
	KindPopupClosed Kind = "popup_closed"

	// KindPopupTimeout means the popup did not complete within the timeout.
	KindPopupTimeout Kind = "popup_timeout"

	// KindNoRefreshCredential is the expected terminal condition when silent
	// renewal is attempted without a refresh credential.
	KindNoRefreshCredential Kind = "no_refresh_credential"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{
	KindConfig,
	KindNetwork,
	KindCredentialRejected,
	KindStateMismatch,
	KindPopupBlocked,
	KindPopupClosed,
	KindPopupTimeout,
	KindNoRefreshCredential,
}

// Error is a classified lifecycle failure.
type Error struct {
	Kind        Kind   // closed failure category
	Code        string // provider error code when one was returned (e.g. "invalid_grant")
	Description string // human-readable description
	Status      int    // HTTP status of the provider response, 0 if none
	Err         error  // underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" && e.Code != string(e.Kind) {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. This lets callers
// write errors.Is(err, autherr.New(autherr.KindPopupClosed, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf creates an error of the given kind with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a later attempt may succeed without user
// interaction.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsInteractionRequired reports whether the caller must offer an interactive
// flow instead of retrying silently.
func IsInteractionRequired(err error) bool {
	switch KindOf(err) {
	case KindCredentialRejected, KindNoRefreshCredential:
		return true
	}
	return false
}

// IsPopupFailure reports whether err is one of the popup-specific failures
// that a caller can recover from by falling back to the redirect flow.
func IsPopupFailure(err error) bool {
	switch KindOf(err) {
	case KindPopupBlocked, KindPopupClosed, KindPopupTimeout:
		return true
	}
	return false
}

// Provider error codes that mean the refresh credential itself is no longer
// usable.
var rejectedCodes = map[string]bool{
	"invalid_grant":        true,
	"credential_rejected":  true,
	"invalid_token":        true,
	"interaction_required": true,
	"login_required":       true,
	"consent_required":     true,
	"expired_token":        true,
	"access_denied":        true,
}

// Provider error codes that point at the client registration or request shape.
var configCodes = map[string]bool{
	"invalid_client":         true,
	"unauthorized_client":    true,
	"unsupported_grant_type": true,
	"invalid_scope":          true,
}

// Provider error codes that describe a temporary provider-side condition.
var transientCodes = map[string]bool{
	"temporarily_unavailable": true,
	"server_error":            true,
	"slow_down":               true,
}

// FromProviderResponse classifies a token-endpoint or callback error.
// status is the HTTP status (0 for errors echoed through a callback URL).
func FromProviderResponse(status int, code, description string) *Error {
	e := &Error{Code: code, Description: description, Status: status}

	switch {
	case rejectedCodes[code]:
		e.Kind = KindCredentialRejected
	case configCodes[code]:
		e.Kind = KindConfig
	case transientCodes[code]:
		e.Kind = KindNetwork
	case status >= http.StatusInternalServerError,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		e.Kind = KindNetwork
	case status >= http.StatusBadRequest:
		// Unknown 4xx: treat as terminal so the scheduler never loops on it.
		e.Kind = KindCredentialRejected
	case code != "":
		e.Kind = KindCredentialRejected
	default:
		e.Kind = KindNetwork
	}

	if e.Description == "" {
		if code != "" {
			e.Description = "provider returned " + code
		} else if status != 0 {
			e.Description = fmt.Sprintf("provider returned status %d", status)
		}
	}
	return e
}

// FromTransport classifies an error raised before a provider response was
// received. Context cancellation by the caller is passed through unchanged.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	description := "token endpoint unreachable"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		description = "token endpoint request timed out"
	}
	return Wrap(KindNetwork, description, err)
}
