package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/internal/clock"
)

// Epoch is the fixed start time used by FakeClock in tests.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// FakeClock provides a controllable clock for deterministic testing. Timers
// armed with AfterFunc fire synchronously from Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *FakeClock
	when  time.Time
	seq   int
	fn    func()
}

// NewFakeClock creates a fake clock set to t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

var _ clock.Clock = (*FakeClock)(nil)

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms a timer that fires once the clock is advanced past d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop removes the timer. It reports whether the timer was still pending.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including timers armed by callbacks during the advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Set moves the clock to t, firing due timers. Moving backwards fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.advanceTo(t)
}

func (c *FakeClock) advanceTo(target time.Time) {
	for {
		c.mu.Lock()
		next := c.nextLocked()
		if next == nil || next.when.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.removeLocked(next)
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()

		next.fn()
	}
}

func (c *FakeClock) nextLocked() *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].when.Equal(c.timers[j].when) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].when.Before(c.timers[j].when)
	})
	return c.timers[0]
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// PendingTimers returns the number of armed timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextTimer returns the deadline of the earliest armed timer.
func (c *FakeClock) NextTimer() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.nextLocked()
	if next == nil {
		return time.Time{}, false
	}
	return next.when, true
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateIDToken builds an unsigned JWT carrying claims. Only good for code
// paths that decode claims without verifying the signature.
func GenerateIDToken(claims map[string]any) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal claims: %v", err))
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "." + GenerateRandomString(16)
}

// GenerateTestCredentials creates a refreshable credential set expiring in ttl.
func GenerateTestCredentials(now time.Time, ttl time.Duration) *credential.Set {
	return &credential.Set{
		AccessToken:  "access-" + GenerateRandomString(16),
		IDToken:      GenerateIDToken(map[string]any{"sub": "user-1", "exp": now.Add(ttl).Unix()}),
		RefreshToken: "refresh-" + GenerateRandomString(16),
		ExpiresAt:    now.Add(ttl),
		Scopes:       []string{"openid", "profile"},
		TokenType:    "Bearer",
	}
}

// TokenResponder produces the status and JSON body for the n-th (1-based)
// token endpoint request.
type TokenResponder func(n int, form url.Values) (int, any)

// TokenServer is a recording token endpoint.
type TokenServer struct {
	*httptest.Server

	// Arrived receives one value per request as soon as it is read
	Arrived chan struct{}

	mu        sync.Mutex
	forms     []url.Values
	responder TokenResponder
	gate      chan struct{}
}

// NewTokenServer starts a token endpoint that issues rotating credentials
// ("access-N", "refresh-N", one hour lifetime). It is closed with the test.
func NewTokenServer(t *testing.T) *TokenServer {
	t.Helper()
	s := &TokenServer{
		Arrived:   make(chan struct{}, 128),
		responder: IssueTokens(time.Hour),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *TokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.forms = append(s.forms, r.PostForm)
	n := len(s.forms)
	responder := s.responder
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.Arrived <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	status, body := responder(n, r.PostForm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch b := body.(type) {
	case string:
		_, _ = w.Write([]byte(b))
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}

// TokenURL returns the endpoint URL.
func (s *TokenServer) TokenURL() string {
	return s.URL + "/token"
}

// SetResponder replaces the response generator.
func (s *TokenServer) SetResponder(r TokenResponder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// Hold makes requests wait until the returned release func is called.
func (s *TokenServer) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns the number of requests received.
func (s *TokenServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forms)
}

// Form returns the form of the n-th (1-based) request.
func (s *TokenServer) Form(n int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.forms) {
		return nil
	}
	return s.forms[n-1]
}

// IssueTokens answers every request with a fresh rotated credential triple.
func IssueTokens(lifetime time.Duration) TokenResponder {
	return func(n int, form url.Values) (int, any) {
		scope := form.Get("scope")
		if scope == "" {
			scope = "openid profile"
		}
		claims := map[string]any{"sub": "user-1"}
		if nonce := form.Get("test_nonce"); nonce != "" {
			claims["nonce"] = nonce
		}
		return http.StatusOK, map[string]any{
			"access_token":  fmt.Sprintf("access-%d", n),
			"id_token":      GenerateIDToken(claims),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"expires_in":    int(lifetime.Seconds()),
			"scope":         scope,
			"token_type":    "Bearer",
		}
	}
}

// RespondError answers every request with an OAuth error body.
func RespondError(status int, code string) TokenResponder {
	return func(int, url.Values) (int, any) {
		return status, map[string]string{
			"error":             code,
			"error_description": strings.ReplaceAll(code, "_", " "),
		}
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
