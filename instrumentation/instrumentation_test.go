package instrumentation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with service name and version", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "enabled with defaults", config: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Meter("refresh") == nil || inst.Tracer("refresh") == nil {
				t.Error("Meter()/Tracer() returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != "tokensync" {
		t.Errorf("ServiceName = %q, want tokensync", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestMetrics_RecordHelpers(t *testing.T) {
	inst := NewNoop()
	m := inst.Metrics()
	ctx := context.Background()

	// Exercising every helper must not panic with no-op instruments.
	m.RecordRefreshAttempt(ctx, "caller")
	m.RecordRefreshResult(ctx, "background", "network_error", 12.5)
	m.RecordRefreshShared(ctx)
	m.RecordCodeRedemption(ctx, "success")
	m.RecordCredentialStoreOperation(ctx, "get", "migrated")
	m.RecordStorageOperation(ctx, "memory", "set", "success", 0.1)
	m.RecordFlowOutcome(ctx, "popup", "popup_closed")
	m.RecordBroadcastSent(ctx, "ended")
	m.RecordBroadcastReceived(ctx, "ended", "applied")
	m.RecordSessionEvent(ctx, "expired")
	m.RecordProviderAPICall(ctx, "oidc", "userinfo", 503, 20, errors.New("unavailable"))
	m.RecordAuditEvent(ctx, "state_mismatch")
	m.RecordEncryptionOperation(ctx, "encrypt", 0.2)

	if err := inst.RegisterStorageSizeCallback("memory", func() int64 { return 3 }); err != nil {
		t.Errorf("RegisterStorageSizeCallback() error = %v", err)
	}

	unregister, err := inst.RegisterActivityCallback(func() ActivityCounts {
		return ActivityCounts{Admitted: 2, Suppressed: 1, Tracked: 1}
	})
	if err != nil {
		t.Fatalf("RegisterActivityCallback() error = %v", err)
	}
	unregister()
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRefreshAttempt(context.Background(), "caller")
	m.RecordSessionEvent(context.Background(), "ended")

	var inst *Instrumentation
	if inst.Metrics() != nil {
		t.Error("nil Instrumentation should return nil Metrics")
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m := NewNoop().Metrics()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordRefreshAttempt(context.Background(), "caller")
				m.RecordBroadcastSent(context.Background(), "activity_ping")
			}
		}()
	}
	wg.Wait()
}

func TestTracing_SpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, okSpan := inst.Tracer("refresh").Start(context.Background(), "refresh.exchange")
	AddCredentialAttributes(okSpan, "alice", []string{"openid"})
	SetSpanSuccess(okSpan)
	okSpan.End()

	_, errSpan := inst.Tracer("storage").Start(context.Background(), "storage.get")
	AddStorageAttributes(errSpan, "get", "valkey")
	RecordError(errSpan, errors.New("connection reset"))
	errSpan.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("first span status = %v, want Ok", spans[0].Status().Code)
	}
	if !hasAttr(spans[0].Attributes(), AttrAccountID, "alice") {
		t.Errorf("first span attributes = %v", spans[0].Attributes())
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("second span status = %v, want Error", spans[1].Status().Code)
	}
	if !hasAttr(spans[1].Attributes(), AttrStorageBackend, "valkey") {
		t.Errorf("second span attributes = %v", spans[1].Attributes())
	}
}

func TestTracing_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddProviderAttributes(nil, "oidc", "discovery")
}

func hasAttr(attrs []attribute.KeyValue, key, value string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.AsString() == value {
			return true
		}
	}
	return false
}
