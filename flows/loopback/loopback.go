// Package loopback adapts the interactive flows to command-line programs.
// The system browser plays the popup window and a one-shot HTTP server on
// 127.0.0.1 receives the provider redirect.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/giantswarm/tokensync/flows"
	"github.com/giantswarm/tokensync/security"
)

const (
	// DefaultPort is the callback port used when none is configured.
	DefaultPort = 3000

	// CallbackPath is the path of the redirect URL.
	CallbackPath = "/callback"

	shutdownTimeout = 5 * time.Second
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>tokensync</title>
<style>body{font-family:sans-serif;margin:4em auto;max-width:32em;text-align:center}</style></head>
<body>{{if .Error}}<h1>Sign-in failed</h1><p>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</p>
{{else}}<h1>Signed in</h1><p>You can close this window and return to the terminal.</p>{{end}}</body></html>
`))

// Browser opens authorization URLs in the system browser and captures the
// redirect on a loopback server. It implements flows.Opener and
// flows.Navigator.
type Browser struct {
	// Port is the callback port. Zero picks DefaultPort; a negative value
	// binds any free port.
	Port int

	// Launch opens a URL (default: OpenBrowser)
	Launch func(url string) error

	Logger *slog.Logger

	mu        sync.Mutex
	boundPort int
	navigated *window
}

var (
	_ flows.Opener    = (*Browser)(nil)
	_ flows.Navigator = (*Browser)(nil)
)

// RedirectURL returns the redirect URL the callback server answers on.
func (b *Browser) RedirectURL() string {
	b.mu.Lock()
	port := b.boundPort
	b.mu.Unlock()
	if port == 0 {
		port = b.port()
	}
	return "http://127.0.0.1:" + strconv.Itoa(port) + CallbackPath
}

func (b *Browser) port() int {
	switch {
	case b.Port == 0:
		return DefaultPort
	case b.Port < 0:
		return 0
	default:
		return b.Port
	}
}

// Open starts the callback server and launches the browser. A launch
// failure is returned so the caller can treat the popup as blocked.
func (b *Browser) Open(ctx context.Context, authURL string) (flows.Window, error) {
	w, err := b.start(ctx, authURL)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Navigate starts a redirect flow. The callback is collected with
// WaitForCallback.
func (b *Browser) Navigate(ctx context.Context, authURL string) error {
	w, err := b.start(context.WithoutCancel(ctx), authURL)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.navigated != nil {
		_ = b.navigated.Close()
	}
	b.navigated = w
	b.mu.Unlock()
	return nil
}

// WaitForCallback blocks until the redirect started by Navigate arrives
// and returns the full callback URL.
func (b *Browser) WaitForCallback(ctx context.Context) (string, error) {
	b.mu.Lock()
	w := b.navigated
	b.mu.Unlock()
	if w == nil {
		return "", errors.New("no redirect in progress")
	}
	defer func() {
		_ = w.Close()
		b.mu.Lock()
		if b.navigated == w {
			b.navigated = nil
		}
		b.mu.Unlock()
	}()

	select {
	case <-w.arrived:
		location, _ := w.Location()
		return location, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *Browser) start(ctx context.Context, authURL string) (*window, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.port()))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}

	b.mu.Lock()
	b.boundPort = listener.Addr().(*net.TCPAddr).Port
	b.mu.Unlock()

	w := &window{
		redirectURL: b.RedirectURL(),
		arrived:     make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, w.handleCallback)
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Callback server stopped", "error", err)
		}
	}()

	launch := b.Launch
	if launch == nil {
		launch = OpenBrowser
	}
	if err := launch(authURL); err != nil {
		_ = w.Close()
		return nil, err
	}
	logger.Debug("Waiting for authorization callback", "redirect_url", w.redirectURL)

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-w.done:
		}
	}()
	return w, nil
}

// window is the flows.Window of one browser launch.
type window struct {
	redirectURL string
	server      *http.Server
	logger      *slog.Logger

	mu       sync.Mutex
	location string
	closed   bool

	arrived     chan struct{}
	arrivedOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

// Location reports flows.ErrCrossOrigin until the callback arrives.
func (w *window) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.location == "" {
		return "", flows.ErrCrossOrigin
	}
	return w.location, nil
}

func (w *window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *window) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = w.server.Shutdown(ctx)
	})
	return err
}

func (w *window) handleCallback(rw http.ResponseWriter, r *http.Request) {
	if !security.IsLoopbackRequest(r) {
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	w.mu.Lock()
	if w.location != "" {
		w.mu.Unlock()
		http.Error(rw, "Callback already processed", http.StatusBadRequest)
		return
	}
	location := w.redirectURL
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	w.location = location
	w.mu.Unlock()
	w.arrivedOnce.Do(func() { close(w.arrived) })

	security.SetSecurityHeaders(rw, w.redirectURL)
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")

	query := r.URL.Query()
	data := map[string]string{
		"Error":       query.Get("error"),
		"Description": query.Get("error_description"),
	}
	if err := callbackPage.Execute(rw, data); err != nil {
		w.logger.Debug("Failed to render callback page", "error", err)
	}
}
