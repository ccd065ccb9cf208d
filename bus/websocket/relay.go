// Package websocket relays bus messages between processes through a small
// websocket hub. Every frame a peer sends is fanned out to every other
// connected peer; the relay keeps no state beyond the open connections.
package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/security"
)

// Subprotocol is negotiated by Relay and Dial.
const Subprotocol = "tokensync.bus.v1"

const (
	defaultSendQueueSize = 64
	defaultWriteTimeout  = 5 * time.Second
	defaultReadIdle      = 2 * time.Minute
	defaultHeartbeat     = 25 * time.Second
	heartbeatTimeout     = 5 * time.Second
	maxPingFailures      = 3

	// Max bytes per frame read.
	maxFrameBytes = 64 << 10

	defaultRateLimit = rate.Limit(20)
	defaultRateBurst = 40
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// OriginPatterns authorizes cross-origin browsers (host patterns, as in
	// websocket.AcceptOptions). Non-browser peers send no Origin.
	OriginPatterns []string

	SendQueueSize     int
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration

	// RateLimit and RateBurst bound frames per peer.
	RateLimit rate.Limit
	RateBurst int

	// TrustProxy makes the logged peer address honor X-Forwarded-For, skipping
	// TrustedProxies rightmost hops.
	TrustProxy     bool
	TrustedProxies int

	// ConnectionLimiter bounds connection attempts per peer address. Nil
	// disables the limit.
	ConnectionLimiter *security.ConnectionLimiter

	// Registerer receives the relay metrics. Nil skips registration.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

type relayMetrics struct {
	peers   prometheus.Gauge
	frames  *prometheus.CounterVec
	dropped prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) (*relayMetrics, error) {
	m := &relayMetrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokensync",
			Subsystem: "bus_relay",
			Name:      "peers",
			Help:      "Number of connected relay peers.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokensync",
			Subsystem: "bus_relay",
			Name:      "frames_total",
			Help:      "Frames received from peers, by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokensync",
			Subsystem: "bus_relay",
			Name:      "dropped_total",
			Help:      "Frames not delivered to a peer because its send queue was full.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.peers, m.frames, m.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// peer is one connected websocket. send is never closed so concurrent
// broadcasters cannot panic; done signals shutdown.
type peer struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Relay is an http.Handler fanning bus frames out between peers.
type Relay struct {
	cfg     RelayConfig
	logger  *slog.Logger
	metrics *relayMetrics

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

// NewRelay creates a relay. It fails only when metric registration fails.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultReadIdle
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	metrics, err := newRelayMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	return &Relay{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: metrics,
		peers:   make(map[*peer]struct{}),
	}, nil
}

// Peers returns the number of connected peers.
func (r *Relay) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ServeHTTP upgrades the request and relays frames until the peer leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	remote := security.ClientIP(req, r.cfg.TrustProxy, r.cfg.TrustedProxies)
	if r.cfg.ConnectionLimiter != nil && !r.cfg.ConnectionLimiter.Allow(remote) {
		r.logger.Info("Relay connection rate limited", "remote", remote)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: r.cfg.OriginPatterns,
	})
	if err != nil {
		r.logger.Info("Relay upgrade failed", "remote", remote, "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		r.logger.Info("Relay peer rejected", "remote", remote, "subprotocol", sp)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id := security.RequestID(req.Context())
	if id == "" {
		id = uuid.NewString()
	}
	p := &peer{
		id:   id,
		send: make(chan []byte, r.cfg.SendQueueSize),
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	var shutdownOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		shutdownOnce.Do(func() {
			r.detach(p)
			p.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	r.attach(p)
	r.logger.Debug("Relay peer connected", "peer", p.id, "remote", remote)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case frame := <-p.send:
				if err := writeFrame(ctx, conn, frame, r.cfg.WriteTimeout); err != nil {
					r.logger.Debug("Relay write failed", "peer", p.id, "close_status", websocket.CloseStatus(err), "error", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(r.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	limiter := rate.NewLimiter(r.cfg.RateLimit, r.cfg.RateBurst)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, r.cfg.ReadIdleTimeout)
		typ, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if !isExpectedClose(err) {
				r.logger.Debug("Relay read failed", "peer", p.id, "error", err)
			}
			shutdown(websocket.StatusNormalClosure, "bye")
			break
		}

		if !limiter.Allow() {
			r.metrics.frames.WithLabelValues("rate_limited").Inc()
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if typ != websocket.MessageText {
			r.metrics.frames.WithLabelValues("invalid").Inc()
			continue
		}
		if _, err := bus.Decode(data); err != nil {
			r.metrics.frames.WithLabelValues("invalid").Inc()
			continue
		}

		r.metrics.frames.WithLabelValues("relayed").Inc()
		r.broadcast(p, data)
	}

	<-writerDone
	<-heartbeatDone
	r.logger.Debug("Relay peer disconnected", "peer", p.id, "remote", remote)
}

func (r *Relay) attach(p *peer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()
	r.metrics.peers.Set(float64(n))
}

func (r *Relay) detach(p *peer) {
	r.mu.Lock()
	delete(r.peers, p)
	n := len(r.peers)
	r.mu.Unlock()
	r.metrics.peers.Set(float64(n))
}

func (r *Relay) broadcast(from *peer, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		if p == from {
			continue
		}
		select {
		case <-p.done:
		case p.send <- frame:
		default:
			r.metrics.dropped.Inc()
		}
	}
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func isExpectedClose(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
