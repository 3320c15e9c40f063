// Package traces wires OpenTelemetry spans through policy decisions.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zafegard/zafegard/policy"

// Attribute keys shared by every policy span.
const (
	KeySigner    = attribute.Key("zafegard.signer")
	KeyCaller    = attribute.Key("zafegard.caller")
	KeyAsset     = attribute.Key("zafegard.asset")
	KeyAmount    = attribute.Key("zafegard.amount")
	KeyErrorCode = attribute.Key("zafegard.error_code")
	KeyErrorName = attribute.Key("zafegard.error")
)

// Options configures the exporter. A zero Options disables tracing.
type Options struct {
	Endpoint    string // OTLP gRPC collector, host:port
	Insecure    bool
	SampleRatio float64 // fraction of root spans kept, clamped to [0, 1]
	Version     string
	Environment string
}

func (o Options) sampler() sdktrace.Sampler {
	if o.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
}

// Init installs a global tracer provider exporting to opts.Endpoint and
// returns its shutdown function. Without an endpoint spans go to the no-op
// provider and shutdown does nothing.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName("zafegard")}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a policy span decorated with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Reject marks span with a policy rejection. Rejections are outcomes, so the
// span status stays unset.
func Reject(span trace.Span, code uint32, name string) {
	span.SetAttributes(KeyErrorCode.Int64(int64(code)), KeyErrorName.String(name))
}

// Fail records an infrastructure error on span.
func Fail(span trace.Span, err error, description string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}

func Signer(key string) attribute.KeyValue { return KeySigner.String(key) }

func Caller(addr string) attribute.KeyValue { return KeyCaller.String(addr) }

func Asset(addr string) attribute.KeyValue { return KeyAsset.String(addr) }

func Amount(units string) attribute.KeyValue { return KeyAmount.String(units) }
