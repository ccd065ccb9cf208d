package tokensync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/giantswarm/tokensync/autherr"
)

func TestInteractionRequired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "rejected refresh credential",
			err:  autherr.FromProviderResponse(400, "invalid_grant", "expired"),
			want: true,
		},
		{
			name: "no refresh credential",
			err:  autherr.New(KindNoRefreshCredential, "nothing cached"),
			want: true,
		},
		{
			name: "wrapped rejection",
			err:  fmt.Errorf("login failed: %w", autherr.New(KindCredentialRejected, "revoked")),
			want: true,
		},
		{
			name: "network error",
			err:  autherr.New(KindNetwork, "timeout"),
			want: false,
		},
		{
			name: "popup blocked",
			err:  autherr.New(KindPopupBlocked, "blocked"),
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InteractionRequired(tt.err); got != tt.want {
				t.Errorf("InteractionRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindAliases(t *testing.T) {
	kinds := []autherr.Kind{
		KindConfig,
		KindNetwork,
		KindCredentialRejected,
		KindStateMismatch,
		KindPopupBlocked,
		KindPopupClosed,
		KindPopupTimeout,
		KindNoRefreshCredential,
	}
	if len(kinds) != len(autherr.Kinds) {
		t.Fatalf("got %d kinds, autherr defines %d", len(kinds), len(autherr.Kinds))
	}
	for i, k := range kinds {
		if k != autherr.Kinds[i] {
			t.Errorf("kind %d = %q, want %q", i, k, autherr.Kinds[i])
		}
	}
}
