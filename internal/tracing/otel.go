package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ProviderConfig controls the process-wide tracer provider
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio in (0, 1]; zero means sample everything.
	SampleRatio float64
}

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitProvider installs the global tracer provider. The first call wins;
// later calls return the first outcome.
func InitProvider(cfg ProviderConfig) error {
	providerOnce.Do(func() {
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}

		attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
		if cfg.ServiceVersion != "" {
			attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownProvider flushes and shuts down the global tracer provider
func ShutdownProvider(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span carrying the tenant and conversation ids present
// in ctx, and propagates the span's trace id back into ctx so log lines and
// spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tenantID := GetTenantID(ctx); tenantID != "" {
		attrs = append(attrs, attribute.String("tenant_id", tenantID))
	}
	if conversationID := GetConversationID(ctx); conversationID != "" {
		attrs = append(attrs, attribute.String("conversation_id", conversationID))
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
