package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gibson042/canonicaljson-go"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/sink"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/version"
)

var (
	errMissingAPIKey = proxyerror.ClientInput("Missing X-Api-Key header")
	errEmptyBody     = proxyerror.ClientInput("Empty request body")
	errInvalidBody   = proxyerror.ClientInput("Invalid JSON body or missing 'query' property")
)

var proxyTrailers = strings.Join([]string{
	proxyapi.TrailerStatus,
	proxyapi.TrailerError,
	proxyapi.TrailerRecordCount,
}, ", ")

// queryDigest identifies a request body in logs without logging the query.
func queryDigest(body []byte) string {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ""
	}
	canonical, err := canonicaljson.Marshal(decoded)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, proxyerror.ClientInput(
				"Request body too large",
				proxyerror.WithHTTPCode(http.StatusRequestEntityTooLarge),
				proxyerror.WithPublicData("limit_bytes", tooLarge.Limit),
			)
		}
		return nil, proxyerror.ClientInput("Failed to read request body", proxyerror.WithCause(err))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}
	return body, nil
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	appID := mux.Vars(r)["appId"]

	apiKey := strings.TrimSpace(r.Header.Get(proxyapi.HeaderAPIKey))
	if apiKey == "" {
		return errMissingAPIKey
	}

	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}

	var req proxyapi.ProxyRequest
	if err := json.Unmarshal(body, &req); err != nil || !req.HasQuery() {
		return errInvalidBody
	}

	overrides, err := parseOverrides(r.Header, s.maxPageSize)
	if err != nil {
		return err
	}

	ctx = logging.WithFields(ctx,
		zap.String("app_id", appID),
		zap.String("query_digest", queryDigest(body)),
	)

	window, err := s.resolver.Resolve(req.GetQuery(), overrides)
	if err != nil {
		return err
	}

	scan := paginate.Scan{
		AppID:       appID,
		Credentials: queryclient.Credentials{APIKey: apiKey},
		Query:       req.GetQuery(),
		Window:      window,
		PageSize:    overrides.GetPageSize(0),
	}

	logging.FromContext(ctx).Debug("starting scan",
		zap.Stringer("window", window),
		zap.Int("page_size", scan.PageSize),
		zap.String("output_mode", string(s.outputMode)),
	)

	if s.outputMode == sink.OutputBuffered {
		return s.runBuffered(ctx, w, scan)
	}
	return s.runStreaming(ctx, w, scan)
}

// runStreaming writes records as pages arrive. Headers are committed with the
// first byte, so errors before that are returned as ordinary error responses
// and errors after it are reported through trailers.
func (s *Server) runStreaming(ctx context.Context, w http.ResponseWriter, scan paginate.Scan) error {
	logger := logging.FromContext(ctx)

	out := sink.NewStreaming(w)
	out.OnStart = func() {
		h := w.Header()
		h.Set("Content-Type", "application/json")
		h.Set("Trailer", proxyTrailers)
		w.WriteHeader(http.StatusOK)
	}

	_, err := s.engine.Run(ctx, scan, out)
	if err != nil && !out.Started() {
		return err
	}

	closeErr := out.Close()

	h := w.Header()
	h.Set(proxyapi.TrailerRecordCount, strconv.Itoa(out.Count()))

	if err != nil {
		pe := proxyerror.AsProxyError(err)
		h.Set(proxyapi.TrailerStatus, proxyapi.StatusFailed)
		h.Set(proxyapi.TrailerError, pe.PublicErrorDetail().Message)
		logger.Warn("scan failed after streaming began",
			zap.Int("records", out.Count()),
			zap.String("kind", string(pe.Kind())),
			zap.Error(err),
		)
		return nil
	}

	if closeErr != nil {
		h.Set(proxyapi.TrailerStatus, proxyapi.StatusFailed)
		h.Set(proxyapi.TrailerError, "Failed to finish response")
		logger.Warn("failed to finish response",
			zap.Int("records", out.Count()),
			zap.Error(closeErr),
		)
		return nil
	}

	h.Set(proxyapi.TrailerStatus, proxyapi.StatusComplete)
	return nil
}

func (s *Server) runBuffered(ctx context.Context, w http.ResponseWriter, scan paginate.Scan) error {
	logger := logging.FromContext(ctx)

	out := sink.NewBuffered()
	if _, err := s.engine.Run(ctx, scan, out); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(proxyapi.TrailerStatus, proxyapi.StatusComplete)
	h.Set(proxyapi.TrailerRecordCount, strconv.Itoa(out.Count()))
	w.WriteHeader(http.StatusOK)

	if _, err := out.WriteTo(w); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
	return nil
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) error {
	info, err := version.GetInfo()
	if err != nil {
		return proxyerror.New(
			proxyerror.WithInternalMessage("failed to read build info"),
			proxyerror.WithCause(err),
		)
	}
	return writeJSON(w, http.StatusOK, info.Response())
}
