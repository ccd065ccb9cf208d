package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/tokensync/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "tokensync", "my-cli")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MeterProvider receives all metric instruments when Enabled.
	// If nil, metrics are recorded against a no-op provider.
	MeterProvider metric.MeterProvider

	// TracerProvider receives all spans when Enabled.
	// If nil, an SDK tracer provider without exporters is created so spans
	// carry valid contexts and can be inspected with span processors.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "tokensync"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// NewNoop returns instrumentation backed by no-op providers. It never fails.
func NewNoop() *Instrumentation {
	inst, err := New(Config{Resource: resource.Empty()})
	if err != nil {
		panic(fmt.Sprintf("noop instrumentation: %v", err))
	}
	return inst
}

// initializeProviders wires the configured providers, creating an SDK tracer
// provider when none was supplied.
func (i *Instrumentation) initializeProviders() {
	if i.config.MeterProvider != nil {
		i.meterProvider = i.config.MeterProvider
	} else {
		i.meterProvider = noop.NewMeterProvider()
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
		return
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are component names like "refresh", "credstore", "sessionsync", "storage"
// The full name will be "github.com/giantswarm/tokensync/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
// The full name will be "github.com/giantswarm/tokensync/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ActivityCounts is a snapshot of activity gate statistics.
type ActivityCounts struct {
	Admitted   int64
	Suppressed int64
	Tracked    int64
}

// RegisterActivityCallback reports activity gate statistics through the
// activity.signals and activity.tracked instruments. The returned func
// unregisters the callback.
func (i *Instrumentation) RegisterActivityCallback(counts func() ActivityCounts) (func(), error) {
	if i.meterProvider == nil {
		return nil, fmt.Errorf("meter provider not initialized")
	}
	if counts == nil {
		return func() {}, nil
	}

	signals, tracked := i.metrics.ActivitySignals, i.metrics.ActivityTracked
	reg, err := i.Meter("sessionsync").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			c := counts()
			observer.ObserveInt64(signals, c.Admitted, metric.WithAttributes(attribute.String("result", "admitted")))
			observer.ObserveInt64(signals, c.Suppressed, metric.WithAttributes(attribute.String("result", "suppressed")))
			observer.ObserveInt64(tracked, c.Tracked)
			return nil
		},
		signals, tracked,
	)
	if err != nil {
		return nil, err
	}
	return func() { _ = reg.Unregister() }, nil
}

// SizeCallback returns the current number of entries held by a component
type SizeCallback func() int64

// RegisterStorageSizeCallback reports the entry count of an in-memory store
// through the storage.entries gauge.
func (i *Instrumentation) RegisterStorageSizeCallback(backend string, entries SizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}
	if entries == nil {
		return nil
	}

	gauge := i.metrics.StorageEntries
	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(gauge, entries(), metric.WithAttributes(attrBackend(backend)))
			return nil
		},
		gauge,
	)
	return err
}
