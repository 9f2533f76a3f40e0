package proxyapi

import (
	"strings"
	"time"
)

// Header names accepted on POST /proxy/{appId}. The lowercase spellings are
// the ones existing clients send; net/http canonicalizes them either way.
const (
	HeaderAPIKey       = "X-Api-Key"
	HeaderBatchSize    = "x-batch-size"
	HeaderDateStart    = "x-date-start"
	HeaderDateInterval = "x-date-interval"
)

// Trailers announced on streamed responses.
const (
	TrailerStatus      = "X-Proxy-Status"
	TrailerError       = "X-Proxy-Error"
	TrailerRecordCount = "X-Proxy-Record-Count"

	StatusComplete = "complete"
	StatusFailed   = "failed"
)

const (
	DefaultPageSize = 5000
)

type ProxyRequest struct {
	Query *string `json:"query"`
}

func (r ProxyRequest) GetQuery() string {
	if r.Query == nil {
		return ""
	}
	return *r.Query
}

func (r ProxyRequest) HasQuery() bool {
	return strings.TrimSpace(r.GetQuery()) != ""
}

// Overrides are the optional per-request adjustments to the scanned window and
// page size. Nil fields were not supplied by the caller.
type Overrides struct {
	PageSize     *int
	WindowStart  *time.Time
	WindowLength *time.Duration
}

func (o Overrides) GetPageSize(fallback int) int {
	if o.PageSize == nil {
		return fallback
	}
	return *o.PageSize
}
