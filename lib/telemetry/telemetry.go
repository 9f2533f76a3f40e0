// Package telemetry installs the process-wide OpenTelemetry providers.
package telemetry

import (
	"context"
	"fmt"
	"time"

	honeycomb "github.com/honeycombio/honeycomb-opentelemetry-go"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
)

type Options struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

type ShutdownFunc func(context.Context) error

func noShutdown(context.Context) error { return nil }

// Setup configures tracing and runtime/host metrics export. Exporter
// endpoints and credentials come from the standard OTEL_* and HONEYCOMB_*
// environment variables. When disabled the global no-op providers stay in
// place.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	logger := logging.FromContext(ctx)

	if !opts.Enabled {
		logger.Debug("telemetry disabled")
		return noShutdown, nil
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(opts.ServiceName),
		otelconfig.WithServiceVersion(opts.ServiceVersion),
		otelconfig.WithSpanProcessor(honeycomb.NewBaggageSpanProcessor()),
	)
	if err != nil {
		return nil, fmt.Errorf("error configuring OpenTelemetry: %w", err)
	}

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
		otelShutdown()
		return nil, fmt.Errorf("error starting runtime instrumentation: %w", err)
	}

	if err := host.Start(); err != nil {
		otelShutdown()
		return nil, fmt.Errorf("error starting host instrumentation: %w", err)
	}

	logger.Info("telemetry enabled",
		zap.String("service_name", opts.ServiceName),
		zap.String("service_version", opts.ServiceVersion),
	)

	return func(context.Context) error {
		otelShutdown()
		return nil
	}, nil
}
