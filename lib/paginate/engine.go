// Package paginate drives a time-ordered scan of the query service one page
// at a time, advancing a timestamp cursor between pages.
package paginate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/normalize"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

const (
	DefaultCursorQuantum = time.Millisecond

	tracerName = "github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
)

type Fetcher interface {
	Query(ctx context.Context, req queryclient.Request) (*proxyapi.Page, error)
}

// RecordSink consumes records in order. EndPage is called after the last
// record of every non-empty page.
type RecordSink interface {
	Emit(record *normalize.Record) error
	EndPage() error
}

type Engine struct {
	fetcher    Fetcher
	pageSize   int
	quantum    time.Duration
	policy     ShapePolicy
	observer   Observer
	normalizer normalize.Normalizer
	tracer     trace.Tracer
}

type Option func(*Engine) error

func WithPageSize(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("page size must be positive (got %d)", n)
		}
		e.pageSize = n
		return nil
	}
}

func WithCursorQuantum(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("cursor quantum must be positive (got %v)", d)
		}
		e.quantum = d
		return nil
	}
}

func WithShapePolicy(p ShapePolicy) Option {
	return func(e *Engine) error {
		if _, err := ParseShapePolicy(string(p)); err != nil {
			return err
		}
		e.policy = p
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		if o != nil {
			e.observer = o
		}
		return nil
	}
}

func WithNormalizer(n normalize.Normalizer) Option {
	return func(e *Engine) error {
		e.normalizer = n
		return nil
	}
}

func New(fetcher Fetcher, options ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	e := &Engine{
		fetcher:  fetcher,
		pageSize: proxyapi.DefaultPageSize,
		quantum:  DefaultCursorQuantum,
		policy:   ShapePolicyFirstPage,
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) PageSize() int {
	return e.pageSize
}

// Scan describes one request's worth of pagination.
type Scan struct {
	AppID       string
	Credentials queryclient.Credentials
	Query       string
	Window      timewindow.Window
	// PageSize overrides the engine default when positive.
	PageSize int
}

type Result struct {
	State   State
	Fetches int
	Pages   int
	Records int
	// Window is the window of the last page query issued.
	Window timewindow.Window
}

func (e *Engine) timestampColumn() string {
	if e.normalizer.TimestampColumn == "" {
		return normalize.DefaultTimestampColumn
	}
	return e.normalizer.TimestampColumn
}

// Run emits every record of scan's window to sink in timestamp order. The
// returned Result is non-nil even when err is not.
func (e *Engine) Run(ctx context.Context, scan Scan, sink RecordSink) (*Result, error) {
	logger := logging.FromContext(ctx)

	t0 := time.Now()

	result := &Result{
		State:  StateIdle,
		Window: scan.Window,
	}

	finish := func(state State, err error) (*Result, error) {
		result.State = state
		elapsed := time.Since(t0)
		e.observer.ScanFinished(state, elapsed)

		fields := []zap.Field{
			zap.String("app_id", scan.AppID),
			zap.Stringer("state", state),
			zap.Int("fetches", result.Fetches),
			zap.Int("pages", result.Pages),
			zap.Int("records", result.Records),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			logger.Warn("scan failed", append(fields, zap.Error(err))...)
			return result, err
		}
		logger.Info("scan complete", fields...)
		return result, nil
	}

	pageSize := scan.PageSize
	if pageSize == 0 {
		pageSize = e.pageSize
	}
	if pageSize < 0 {
		return finish(StateFailed, proxyerror.New(
			proxyerror.WithInternalMessage("non-positive page size"),
			proxyerror.WithInternalData("page_size", pageSize),
		))
	}
	if scan.Window.From.IsZero() {
		return finish(StateFailed, proxyerror.New(
			proxyerror.WithInternalMessage("scan window has no start"),
		))
	}

	window := scan.Window
	if !window.Unbounded() && !window.From.Before(window.To) {
		return finish(StateComplete, nil)
	}

	result.State = StateAwaitingFirstPage

	for {
		if err := ctx.Err(); err != nil {
			return finish(StateFailed, err)
		}

		result.Window = window

		page, err := e.fetchPage(ctx, scan, window, pageSize, result.Fetches)
		result.Fetches++
		if err != nil {
			if proxyerror.IsKind(err, proxyerror.KindUpstreamShape) && e.policy.endsScan(result.Fetches == 1) {
				logger.Warn("treating malformed upstream page as end of data",
					zap.Int("fetch", result.Fetches),
					zap.Error(err),
				)
				return finish(StateComplete, nil)
			}
			return finish(StateFailed, err)
		}

		if page.IsSentinel() {
			return finish(StateComplete, nil)
		}

		result.State = StateEmittingPage

		records, err := e.normalizer.NormalizePage(page)
		if err != nil {
			return finish(StateFailed, proxyerror.Normalization(
				"Failed to normalize query results",
				proxyerror.WithCause(err),
				proxyerror.WithInternalData("fetch", result.Fetches),
			))
		}

		for _, record := range records {
			if err := sink.Emit(record); err != nil {
				return finish(StateFailed, err)
			}
		}
		if err := sink.EndPage(); err != nil {
			return finish(StateFailed, err)
		}

		result.Pages++
		result.Records += len(records)
		e.observer.RecordsEmitted(len(records))

		if len(records) < pageSize {
			return finish(StateComplete, nil)
		}

		next, err := e.nextCursor(ctx, records, window.From)
		if err != nil {
			return finish(StateFailed, err)
		}
		window.From = next

		if !window.Unbounded() && !next.Before(window.To) {
			return finish(StateComplete, nil)
		}
	}
}

func (e *Engine) fetchPage(ctx context.Context, scan Scan, window timewindow.Window, pageSize int, index int) (*proxyapi.Page, error) {
	logger := logging.FromContext(ctx)

	ctx, span := e.tracer.Start(ctx, "paginate.fetch_page", trace.WithAttributes(
		attribute.String("app_id", scan.AppID),
		attribute.Int("page.index", index),
		attribute.Int("page.size", pageSize),
		attribute.String("window", window.String()),
	))
	defer span.End()

	t0 := time.Now()

	page, err := e.fetcher.Query(ctx, queryclient.Request{
		AppID:       scan.AppID,
		Credentials: scan.Credentials,
		Query:       BuildPageQuery(scan.Query, e.timestampColumn(), window, pageSize),
	})
	elapsed := time.Since(t0)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("page.rows", page.RowCount()))
	e.observer.PageFetched(page.RowCount(), elapsed)

	logger.Debug("fetched page",
		zap.Int("index", index),
		zap.Int("rows", page.RowCount()),
		zap.Stringer("window", window),
		zap.Duration("elapsed", elapsed),
	)

	return page, nil
}

// nextCursor returns the lower bound for the page after records. It must lie
// strictly after from.
func (e *Engine) nextCursor(ctx context.Context, records []*normalize.Record, from time.Time) (time.Time, error) {
	logger := logging.FromContext(ctx)

	last := records[len(records)-1]

	lastTimestamp, err := e.normalizer.RecordTimestamp(last)
	if err != nil {
		return time.Time{}, proxyerror.CursorComputation(
			"Cannot compute the next page cursor from the last row's timestamp",
			proxyerror.WithCause(err),
			proxyerror.WithInternalData("column", e.timestampColumn()),
		)
	}

	next := lastTimestamp.Add(e.quantum)
	if !next.After(from) {
		return time.Time{}, proxyerror.CursorComputation(
			"Page cursor did not advance",
			proxyerror.WithInternalData("from", from.Format(time.RFC3339Nano)),
			proxyerror.WithInternalData("next", next.Format(time.RFC3339Nano)),
		)
	}

	if ties := e.countTies(records, lastTimestamp); ties > 0 {
		logger.Warn("rows share the page boundary timestamp; rows beyond the page with the same timestamp are skipped",
			zap.Int("ties", ties),
			zap.Time("boundary", lastTimestamp),
			zap.Duration("quantum", e.quantum),
		)
		e.observer.BoundaryTie(ties)
	}

	return next, nil
}

// countTies counts the rows before the last one that fall in the same
// quantum as the last row.
func (e *Engine) countTies(records []*normalize.Record, last time.Time) int {
	bucket := last.Truncate(e.quantum)
	ties := 0
	for i := len(records) - 2; i >= 0; i-- {
		t, err := e.normalizer.RecordTimestamp(records[i])
		if err != nil || !t.Truncate(e.quantum).Equal(bucket) {
			break
		}
		ties++
	}
	return ties
}
