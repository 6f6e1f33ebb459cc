package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Meteo-X/pixiu-sub007/internal/observability"
)

const (
	defaultServiceName  = "pixiu-collector"
	defaultExportPeriod = 15 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// Config controls the OTLP metric pipeline. An empty Endpoint disables the
// exporter and leaves a noop meter provider installed.
type Config struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	ExportPeriod time.Duration     `yaml:"export_period"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Providers exposes the meter provider built by Init.
type Providers struct {
	Meter metric.MeterProvider
}

// Init configures the OTLP metric exporter and registers an otel-backed
// collector as the process-wide observability.Metrics implementation. The
// returned shutdown function flushes pending exports.
func Init(ctx context.Context, cfg Config) (*Providers, func(context.Context) error, error) {
	providers := new(Providers)

	if cfg.Endpoint == "" {
		providers.Meter = noop.NewMeterProvider()
		return providers, func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	period := cfg.ExportPeriod
	if period <= 0 {
		period = defaultExportPeriod
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, nil, err
	}

	host, insecure := parseEndpoint(cfg.Endpoint)
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(period))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	providers.Meter = mp

	collector := NewCollector(mp.Meter(serviceName))
	observability.SetMetrics(collector)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
		defer cancel()
		observability.SetMetrics(nil)
		return mp.Shutdown(ctx)
	}
	return providers, shutdown, nil
}

// parseEndpoint strips an optional scheme and reports whether the exporter
// should skip TLS.
func parseEndpoint(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	default:
		return endpoint, true
	}
}
