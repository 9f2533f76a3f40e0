package proxyapi

import "github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"

type ErrorResponse struct {
	Error     proxyerror.PublicErrorDetail `json:"error"`
	RequestID string                       `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type VersionResponse struct {
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash,omitempty"`
	CommitTime  string `json:"commit_time,omitempty"`
	DirtyCommit bool   `json:"dirty_commit,omitempty"`
	GoVersion   string `json:"go_version,omitempty"`
}
