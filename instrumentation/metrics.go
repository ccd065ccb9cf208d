package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the token lifecycle engine.
// Every Record helper is safe to call on a nil *Metrics.
type Metrics struct {
	// Refresh Coordinator Metrics
	RefreshAttempts metric.Int64Counter
	RefreshResults  metric.Int64Counter
	RefreshDuration metric.Float64Histogram
	RefreshShared   metric.Int64Counter
	CodeRedemptions metric.Int64Counter

	// Credential Store Metrics
	CredentialStoreOperations metric.Int64Counter

	// Storage Backend Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageEntries           metric.Int64ObservableGauge

	// Interactive Flow Metrics
	FlowOutcomes metric.Int64Counter

	// Session Synchronization Metrics
	BroadcastsSent     metric.Int64Counter
	BroadcastsReceived metric.Int64Counter
	SessionEvents      metric.Int64Counter
	ActivitySignals    metric.Int64ObservableCounter
	ActivityTracked    metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	refreshMeter := inst.Meter("refresh")
	storeMeter := inst.Meter("credstore")
	storageMeter := inst.Meter("storage")
	flowMeter := inst.Meter("flows")
	syncMeter := inst.Meter("sessionsync")
	providerMeter := inst.Meter("provider")
	securityMeter := inst.Meter("security")

	counters := []counterSpec{
		{&m.RefreshAttempts, refreshMeter, "tokensync.refresh.attempts", "Number of refresh exchanges started", "{attempt}"},
		{&m.RefreshResults, refreshMeter, "tokensync.refresh.results", "Refresh exchange outcomes by result kind", "{result}"},
		{&m.RefreshShared, refreshMeter, "tokensync.refresh.shared", "Refresh requests that joined an in-flight exchange", "{request}"},
		{&m.CodeRedemptions, refreshMeter, "tokensync.code.redemptions", "Authorization code redemptions", "{redemption}"},
		{&m.CredentialStoreOperations, storeMeter, "tokensync.credstore.operations", "Credential store operations by outcome", "{operation}"},
		{&m.StorageOperationTotal, storageMeter, "tokensync.storage.operations.total", "Total number of storage operations", "{operation}"},
		{&m.FlowOutcomes, flowMeter, "tokensync.flow.outcomes", "Interactive flow outcomes", "{flow}"},
		{&m.BroadcastsSent, syncMeter, "tokensync.broadcast.sent", "Broadcast messages sent", "{message}"},
		{&m.BroadcastsReceived, syncMeter, "tokensync.broadcast.received", "Broadcast messages received", "{message}"},
		{&m.SessionEvents, syncMeter, "tokensync.session.events", "Session lifecycle transitions", "{event}"},
		{&m.ProviderAPICallsTotal, providerMeter, "tokensync.provider.api.calls.total", "Total number of provider API calls", "{call}"},
		{&m.ProviderAPIErrors, providerMeter, "tokensync.provider.api.errors", "Provider API errors", "{error}"},
		{&m.AuditEventsTotal, securityMeter, "tokensync.audit.events.total", "Total number of audit events", "{event}"},
		{&m.EncryptionOperationsTotal, securityMeter, "tokensync.encryption.operations.total", "Total number of encryption operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []histogramSpec{
		{&m.RefreshDuration, refreshMeter, "tokensync.refresh.duration", "Refresh exchange duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "tokensync.storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.ProviderAPIDuration, providerMeter, "tokensync.provider.api.duration", "Provider API call duration in milliseconds"},
		{&m.EncryptionDuration, securityMeter, "tokensync.encryption.duration", "Encryption operation duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = histogram
	}

	var err error
	m.StorageEntries, err = storageMeter.Int64ObservableGauge(
		"tokensync.storage.entries",
		metric.WithDescription("Number of entries held by in-memory storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.entries gauge: %w", err)
	}

	m.ActivitySignals, err = syncMeter.Int64ObservableCounter(
		"tokensync.activity.signals",
		metric.WithDescription("Activity signals by gate decision"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activity.signals counter: %w", err)
	}
	m.ActivityTracked, err = syncMeter.Int64ObservableGauge(
		"tokensync.activity.tracked",
		metric.WithDescription("Sessions tracked by the activity gate"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activity.tracked gauge: %w", err)
	}

	return m, nil
}

func attrBackend(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

// RecordRefreshAttempt records the start of a refresh exchange.
// trigger is "caller" or "background".
func (m *Metrics) RecordRefreshAttempt(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.RefreshAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordRefreshResult records the outcome of a refresh exchange. result is
// "success" or an autherr kind.
func (m *Metrics) RecordRefreshResult(ctx context.Context, trigger, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.RefreshResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
	m.RefreshDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRefreshShared records a caller that received the result of another
// caller's in-flight exchange.
func (m *Metrics) RecordRefreshShared(ctx context.Context) {
	if m == nil {
		return
	}
	m.RefreshShared.Add(ctx, 1)
}

// RecordCodeRedemption records an authorization code redemption
func (m *Metrics) RecordCodeRedemption(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CodeRedemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCredentialStoreOperation records a credential store operation.
// result is one of hit, miss, migrated, degraded, stored, evicted, error.
func (m *Metrics) RecordCredentialStoreOperation(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	m.CredentialStoreOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordStorageOperation records a storage backend operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
	))
}

// RecordFlowOutcome records the result of a popup or redirect flow
func (m *Metrics) RecordFlowOutcome(ctx context.Context, flow, outcome string) {
	if m == nil {
		return
	}
	m.FlowOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("outcome", outcome),
	))
}

// RecordBroadcastSent records an outgoing bus message
func (m *Metrics) RecordBroadcastSent(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.BroadcastsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

// RecordBroadcastReceived records an incoming bus message and how it was handled
func (m *Metrics) RecordBroadcastReceived(ctx context.Context, messageType, disposition string) {
	if m == nil {
		return
	}
	m.BroadcastsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", messageType),
		attribute.String("disposition", disposition),
	))
}

// RecordSessionEvent records a session lifecycle transition
func (m *Metrics) RecordSessionEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	if m == nil {
		return
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	if m == nil {
		return
	}
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
