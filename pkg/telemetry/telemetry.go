package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "ransomeye/pipeline"

// Config is the exporter setup read from the standard OTEL_* variables.
type Config struct {
	Service     string
	Environment string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns exporter setup failures into startup errors.
	Required bool
	Sampler  trace.Sampler
}

func ConfigFromEnv(service string) Config {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "ransomeye"
	}
	return Config{
		Service:     service,
		Environment: strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init installs the global tracer provider for service and returns its
// shutdown. Without an endpoint spans stay in-process.
func Init(ctx context.Context, service string) (func(context.Context) error, error) {
	return Setup(ctx, ConfigFromEnv(service))
}

func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.Service)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if cfg.Sampler == nil {
		cfg.Sampler = trace.ParentBased(trace.AlwaysSample())
	}
	providerOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(cfg.Sampler)}

	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			log.Printf("otel exporter disabled: %v", err)
		default:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		}
	}
	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// newExporter accepts either host:port or a full http(s) URL.
func newExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(cfg.Timeout)}
	if strings.Contains(cfg.Endpoint, "://") {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("otel endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("otel endpoint: unsupported scheme %q", u.Scheme)
		}
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// StartStage opens a span for one gate of the pipeline or the host verifier.
func StartStage(ctx context.Context, stage, commandID string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage."+strings.ToLower(stage),
		oteltrace.WithAttributes(
			attribute.String("ransomeye.stage", stage),
			attribute.String("ransomeye.command_id", commandID),
		))
}

// EndStage records the gate outcome on span and ends it.
func EndStage(span oteltrace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("ransomeye.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HTTPMiddleware names inbound spans after the route operation.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "ransomeye"
	}
	return otelhttp.NewMiddleware(service, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

// InstrumentClient wraps client's transport so dispatch and approval
// lookups propagate trace context to the agent and back.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads the k=v,k=v form of OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envInt(key string, def int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return def
}
