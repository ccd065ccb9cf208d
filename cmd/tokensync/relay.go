package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/giantswarm/tokensync/bus/websocket"
	"github.com/giantswarm/tokensync/internal/logging"
	"github.com/giantswarm/tokensync/security"
)

const (
	relayReadHeaderTimeout = 10 * time.Second
	relayShutdownTimeout   = 10 * time.Second
)

var (
	relayListen         string
	relayOrigins        []string
	relayTrustProxy     bool
	relayTrustedProxies int
	relayRateLimit      float64
	relayRateBurst      int
	relayMaxConnects    int
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay for cross-process session events",
	Long: `Run a websocket relay that fans session events out between every
connected tokensync client. Clients point their bus at ws://<listen>/bus.

Prometheus metrics are served on /metrics.

Examples:
  tokensync relay                                  # Listen on :8085
  tokensync relay --listen 127.0.0.1:9000
  tokensync relay --origin app.example.com         # Allow a browser origin`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", ":8085", "Listen address")
	relayCmd.Flags().StringSliceVar(&relayOrigins, "origin", nil, "Allowed browser origin patterns")
	relayCmd.Flags().BoolVar(&relayTrustProxy, "trust-proxy", false, "Log the X-Forwarded-For peer address")
	relayCmd.Flags().IntVar(&relayTrustedProxies, "trusted-proxies", 1, "Number of trusted proxy hops")
	relayCmd.Flags().Float64Var(&relayRateLimit, "rate-limit", 0, "Frames per second per peer (0 uses the default)")
	relayCmd.Flags().IntVar(&relayRateBurst, "rate-burst", 0, "Frame burst per peer (0 uses the default)")
	relayCmd.Flags().IntVar(&relayMaxConnects, "max-connects", 0, "Connections per address per minute (0 uses the default)")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	logger, err := logging.New(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiter := security.NewConnectionLimiter(relayMaxConnects, security.DefaultConnectWindow, security.DefaultMaxTrackedAddresses, nil)
	relay, err := websocket.NewRelay(websocket.RelayConfig{
		OriginPatterns:    relayOrigins,
		RateLimit:         rate.Limit(relayRateLimit),
		RateBurst:         relayRateBurst,
		TrustProxy:        relayTrustProxy,
		TrustedProxies:    relayTrustedProxies,
		ConnectionLimiter: limiter,
		Registerer:        registry,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	srv := &http.Server{
		Addr:              relayListen,
		Handler:           relayMux(relay, registry),
		ReadHeaderTimeout: relayReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "address", relayListen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down relay", "peers", relay.Peers())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func relayMux(relay *websocket.Relay, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/bus", security.RequestIDMiddleware(relay))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","peers":%d}`, relay.Peers())
	})
	return mux
}
