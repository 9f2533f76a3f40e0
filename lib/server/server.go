package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/metrics"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/sink"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

const HeaderRequestID = "X-Request-Id"

// Option is the type for functional options that can return an error
type Option func(*Server) error

type Server struct {
	host            string
	port            int
	maxBodyBytes    int64
	maxPageSize     int
	shutdownTimeout time.Duration

	engine     *paginate.Engine
	resolver   timewindow.Resolver
	outputMode sink.OutputMode
	metrics    *metrics.Metrics
}

// New creates a server with default values and applies the given options.
// WithEngine is required.
func New(options ...Option) (*Server, error) {
	s := &Server{
		host:            "127.0.0.1",
		port:            8080,
		maxBodyBytes:    1024 * 1024,
		shutdownTimeout: 30 * time.Second,
		resolver:        timewindow.Resolver{Mode: timewindow.ModeStrict},
		outputMode:      sink.OutputStreaming,
	}

	for _, option := range options {
		err := option(s)
		if err != nil {
			return nil, err
		}
	}

	if s.engine == nil {
		return nil, fmt.Errorf("no pagination engine configured")
	}

	return s, nil
}

func WithHost(host string) Option {
	return func(s *Server) error {
		if host == "" {
			return fmt.Errorf("host cannot be empty")
		}
		s.host = host
		return nil
	}
}

func WithPort(port int) Option {
	return func(s *Server) error {
		if port < 0 {
			return fmt.Errorf("port must not be negative")
		}
		s.port = port
		return nil
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("max body bytes must be positive")
		}
		s.maxBodyBytes = n
		return nil
	}
}

// WithMaxPageSize caps the x-batch-size header. Zero means no cap.
func WithMaxPageSize(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("max page size must not be negative")
		}
		s.maxPageSize = n
		return nil
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.shutdownTimeout = d
		return nil
	}
}

func WithEngine(engine *paginate.Engine) Option {
	return func(s *Server) error {
		if engine == nil {
			return fmt.Errorf("engine cannot be nil")
		}
		s.engine = engine
		return nil
	}
}

func WithResolver(resolver timewindow.Resolver) Option {
	return func(s *Server) error {
		s.resolver = resolver
		return nil
	}
}

func WithOutputMode(mode sink.OutputMode) Option {
	return func(s *Server) error {
		if _, err := sink.ParseOutputMode(string(mode)); err != nil {
			return err
		}
		s.outputMode = mode
		return nil
	}
}

// WithMetrics enables request and scan metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// apiHandlerFunc is a handler whose returned error becomes a JSON error
// response.
type apiHandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/proxy/{appId}", s.apiHandler(s.proxyHandler)).Methods(http.MethodPost)
	r.Handle("/healthz", s.apiHandler(s.healthHandler)).Methods(http.MethodGet)
	r.Handle("/version", s.apiHandler(s.versionHandler)).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = s.middleware(s.apiHandler(func(w http.ResponseWriter, r *http.Request) error {
		return errNotFound
	}))
	r.MethodNotAllowedHandler = s.middleware(s.apiHandler(func(w http.ResponseWriter, r *http.Request) error {
		return errMethodNotAllowed
	}))

	r.Use(s.middleware)

	return otelhttp.NewHandler(r, "aiproxy")
}

// middleware assigns a request id, scopes the logger to it, and records an
// access log line and request metrics.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := withRequestID(r.Context(), requestID)
		ctx = logging.WithFields(ctx, zap.String("request_id", requestID))
		r = r.WithContext(ctx)

		m := httpsnoop.CaptureMetrics(next, w, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		s.metrics.ObserveRequest(r.Method, route, m.Code, m.Duration)

		logging.FromContext(ctx).Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", m.Code),
			zap.Int64("bytes", m.Written),
			zap.Duration("elapsed", m.Duration),
		)
	})
}

// apiHandler adapts apiHandlerFunc to http.Handler
func (s *Server) apiHandler(handler apiHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := handler(w, r); err != nil {
			writeJSONError(w, r, err)
		}
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, proxyapi.HealthResponse{Status: "ok"})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	address := s.Address()
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("address", address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", s.shutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
