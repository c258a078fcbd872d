package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	prometheus2 "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
)

const defaultEndpoint = "/metrics"

// Metrics owns the meter provider and, when a port is set, the prometheus scrape server
type Metrics struct {
	Meter    api.Meter
	provider *metric.MeterProvider
	Endpoint string

	server *http.Server
}

// NewServer creates a prometheus backed meter and an HTTP server exposing it on port.
// A port of 0 disables the scrape endpoint and returns a no-op meter.
func NewServer(port int, endpoint string) (*Metrics, error) {
	if port == 0 {
		return &Metrics{Meter: noop.NewMeterProvider().Meter("noop")}, nil
	}

	registry := prometheus2.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	pkg := reflect.TypeOf(defaultEndpoint).PkgPath()
	meter := provider.Meter(pkg)

	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	router := http.NewServeMux()
	router.Handle(endpoint, promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &Metrics{
		Meter:    meter,
		provider: provider,
		Endpoint: endpoint,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint until Shutdown is called
func (m *Metrics) ListenAndServe() error {
	if m.server == nil {
		return nil
	}
	log.Infof("metrics server listening on %s%s", m.server.Addr, m.Endpoint)
	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the metrics server and flushes the provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider: %w", err)
	}

	return nil
}
