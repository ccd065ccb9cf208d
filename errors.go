package tokensync

import (
	"errors"

	"github.com/giantswarm/tokensync/autherr"
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("tokensync: client closed")

	// ErrInvalidConfig wraps configuration errors returned by New
	ErrInvalidConfig = errors.New("tokensync: invalid configuration")

	// ErrNoProfileProvider is returned by Profile when the authority has no
	// profile endpoint
	ErrNoProfileProvider = errors.New("tokensync: authority has no profile provider")
)

// Error kinds reported by acquisition operations. Use autherr.KindOf to
// classify a returned error.
const (
	KindConfig              = autherr.KindConfig
	KindNetwork             = autherr.KindNetwork
	KindCredentialRejected  = autherr.KindCredentialRejected
	KindStateMismatch       = autherr.KindStateMismatch
	KindPopupBlocked        = autherr.KindPopupBlocked
	KindPopupClosed         = autherr.KindPopupClosed
	KindPopupTimeout        = autherr.KindPopupTimeout
	KindNoRefreshCredential = autherr.KindNoRefreshCredential
)

// InteractionRequired reports whether err can only be resolved by an
// interactive Login.
func InteractionRequired(err error) bool {
	return autherr.IsInteractionRequired(err)
}
