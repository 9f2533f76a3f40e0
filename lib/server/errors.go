package server

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(contextKeyRequestID).(string)
	return requestID
}

var (
	errNotFound = proxyerror.ClientInput(
		"Not found",
		proxyerror.WithHTTPCode(http.StatusNotFound),
		proxyerror.WithErrorID("not-found"),
	)
	errMethodNotAllowed = proxyerror.ClientInput(
		"Method not allowed",
		proxyerror.WithHTTPCode(http.StatusMethodNotAllowed),
		proxyerror.WithErrorID("method-not-allowed"),
	)
)

func writeJSON(w http.ResponseWriter, statusCode int, value interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(value)
}

// writeJSONError sends err as a JSON error body. Only the public detail is
// sent; the internal detail is logged.
func writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())

	pe := proxyerror.AsProxyError(err)
	statusCode := pe.HTTPStatusCode()

	fields := []zap.Field{
		zap.Int("status", statusCode),
		zap.String("kind", string(pe.Kind())),
		zap.String("error_id", pe.InternalErrorDetail().ErrorID),
		zap.Error(err),
	}
	if statusCode >= 500 {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}

	if writeErr := writeJSON(w, statusCode, proxyapi.ErrorResponse{
		Error:     pe.PublicErrorDetail(),
		RequestID: requestIDFromContext(r.Context()),
	}); writeErr != nil {
		logger.Warn("failed to write error response", zap.Error(writeErr))
	}
}
