package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == b {
		t.Error("expected unique request IDs")
	}
	if len(a) != 22 {
		t.Errorf("request ID length = %d, want 22", len(a))
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID(empty) = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Errorf("RequestID() = %q, want req-1", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{"no upstream ID", "", false},
		{"valid upstream ID", "lb-0123_abc", true},
		{"header injection", "id\r\nSet-Cookie: x=y", false},
		{"too long", strings.Repeat("a", 129), false},
		{"invalid characters", "id with spaces", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/bus", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get(RequestIDHeader)
			if seen == "" || echoed != seen {
				t.Fatalf("context ID %q, echoed %q", seen, echoed)
			}
			if tt.keep && seen != tt.upstream {
				t.Errorf("ID = %q, want upstream %q", seen, tt.upstream)
			}
			if !tt.keep && seen == tt.upstream {
				t.Errorf("upstream ID %q should have been replaced", tt.upstream)
			}
		})
	}
}
