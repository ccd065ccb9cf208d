// Package instrumentation provides OpenTelemetry instrumentation for tokensync.
//
// Every component accepts an optional *Instrumentation. When none is given,
// or when Config.Enabled is false, no-op providers are used and recording has
// no cost.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-cli",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider, // e.g. backed by a Prometheus exporter
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Refresh: tokensync.refresh.attempts, tokensync.refresh.results,
// tokensync.refresh.duration, tokensync.refresh.shared,
// tokensync.code.redemptions.
//
// Credential store: tokensync.credstore.operations (hit, miss, migrated,
// degraded, stored, evicted).
//
// Storage: tokensync.storage.operations.total,
// tokensync.storage.operation.duration, tokensync.storage.entries.
//
// Flows: tokensync.flow.outcomes.
//
// Sessions: tokensync.broadcast.sent, tokensync.broadcast.received,
// tokensync.session.events.
//
// Provider: tokensync.provider.api.calls.total, tokensync.provider.api.duration,
// tokensync.provider.api.errors.
//
// Security: tokensync.audit.events.total, tokensync.encryption.operations.total,
// tokensync.encryption.duration.
//
// Scopes are named "github.com/giantswarm/tokensync/{component}".
package instrumentation
