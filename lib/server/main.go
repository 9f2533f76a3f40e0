package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/config"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/metrics"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/normalize"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/telemetry"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/version"
)

func NewQueryClient(cfg *config.Config) (*queryclient.Client, error) {
	return queryclient.New(
		queryclient.WithBaseURL(cfg.Upstream.BaseURL),
		queryclient.WithTimeout(cfg.Upstream.Timeout),
		queryclient.WithRateLimit(cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst),
		queryclient.WithMaxResponseBytes(cfg.Upstream.MaxResponseBytes),
		queryclient.WithUserAgent(version.UserAgent()),
	)
}

func NewEngine(cfg *config.Config, fetcher paginate.Fetcher, observer paginate.Observer) (*paginate.Engine, error) {
	return paginate.New(fetcher,
		paginate.WithPageSize(cfg.Pagination.DefaultPageSize),
		paginate.WithCursorQuantum(cfg.Pagination.CursorQuantum),
		paginate.WithShapePolicy(cfg.ShapePolicy()),
		paginate.WithNormalizer(normalize.Normalizer{TimestampColumn: cfg.Pagination.TimestampColumn}),
		paginate.WithObserver(observer),
	)
}

func NewResolver(cfg *config.Config) timewindow.Resolver {
	return timewindow.Resolver{
		Mode:            cfg.WindowMode(),
		DefaultLookback: cfg.Pagination.DefaultLookback,
		Column:          cfg.Pagination.TimestampColumn,
	}
}

// Main runs the proxy until SIGINT or SIGTERM.
func Main(ctx context.Context, cfg *config.Config) (err error) {
	logger := logging.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	versionString := "unknown"
	if info, err := version.GetInfo(); err == nil {
		versionString = info.VersionString()
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: versionString,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, shutdownTelemetry(context.Background()))
	}()

	var m *metrics.Metrics
	if cfg.Telemetry.MetricsEnabled() {
		m = metrics.New()
	}

	client, err := NewQueryClient(cfg)
	if err != nil {
		return err
	}

	engine, err := NewEngine(cfg, client, m.Observer())
	if err != nil {
		return err
	}

	srv, err := New(
		WithHost(cfg.Server.Host),
		WithPort(cfg.Server.Port),
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		WithMaxPageSize(cfg.Pagination.MaxPageSize),
		WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		WithEngine(engine),
		WithResolver(NewResolver(cfg)),
		WithOutputMode(cfg.OutputMode()),
		WithMetrics(m),
	)
	if err != nil {
		return err
	}

	logger.Info("starting aiproxy",
		zap.String("version", versionString),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("window_mode", string(cfg.WindowMode())),
		zap.String("output_mode", string(cfg.OutputMode())),
		zap.String("shape_policy", string(cfg.ShapePolicy())),
		zap.Bool("metrics", m != nil),
	)

	return srv.Run(ctx)
}
