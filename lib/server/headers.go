package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

// parseInterval accepts whole minutes or a Go duration string.
func parseInterval(s string) (time.Duration, error) {
	if minutes, err := strconv.Atoi(s); err == nil {
		return time.Duration(minutes) * time.Minute, nil
	}
	return time.ParseDuration(s)
}

// parseOverrides reads the optional per-request headers. Present but
// invalid values are rejected rather than ignored.
func parseOverrides(h http.Header, maxPageSize int) (proxyapi.Overrides, error) {
	var rv proxyapi.Overrides

	if raw := strings.TrimSpace(h.Get(proxyapi.HeaderBatchSize)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return rv, proxyerror.ClientInput(
				"Invalid x-batch-size header; expected a positive integer",
				proxyerror.WithPublicData("value", raw),
			)
		}
		if maxPageSize > 0 && n > maxPageSize {
			return rv, proxyerror.ClientInput(
				"x-batch-size header exceeds the maximum page size",
				proxyerror.WithPublicData("value", n),
				proxyerror.WithPublicData("max", maxPageSize),
			)
		}
		rv.PageSize = &n
	}

	if raw := strings.TrimSpace(h.Get(proxyapi.HeaderDateStart)); raw != "" {
		t, err := timewindow.ParseLiteral(raw)
		if err != nil {
			return rv, proxyerror.ClientInput(
				"Invalid x-date-start header",
				proxyerror.WithPublicData("value", raw),
				proxyerror.WithCause(err),
			)
		}
		rv.WindowStart = &t
	}

	if raw := strings.TrimSpace(h.Get(proxyapi.HeaderDateInterval)); raw != "" {
		d, err := parseInterval(raw)
		if err != nil || d <= 0 {
			return rv, proxyerror.ClientInput(
				"Invalid x-date-interval header; expected positive minutes or a duration such as 90m",
				proxyerror.WithPublicData("value", raw),
			)
		}
		rv.WindowLength = &d
	}

	return rv, nil
}
