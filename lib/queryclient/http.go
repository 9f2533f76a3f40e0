package queryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
)

func (c *Client) APIBase() string {
	return strings.TrimRight(c.baseURL.String(), "/") + "/v1"
}

func (c *Client) APIPath(suffix string) string {
	return c.APIBase() + "/" + strings.TrimLeft(suffix, "/")
}

// QueryURL is the endpoint that runs queries for appID.
func (c *Client) QueryURL(appID string) string {
	return c.APIPath(fmt.Sprintf("apps/%s/query", url.PathEscape(appID)))
}

func (c *Client) NewRequest(ctx context.Context, req Request) (*http.Request, error) {
	body, err := json.Marshal(proxyapi.QueryRequest{Query: req.Query})
	if err != nil {
		return nil, proxyerror.New(
			proxyerror.WithInternalMessage("failed to encode upstream request"),
			proxyerror.WithCause(err),
		)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.QueryURL(req.AppID), bytes.NewReader(body))
	if err != nil {
		return nil, proxyerror.New(
			proxyerror.WithInternalMessage("failed to create upstream request"),
			proxyerror.WithCause(err),
		)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	req.Credentials.apply(httpReq.Header)

	return httpReq, nil
}

// Do sends req, which carries its own context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, proxyerror.Transport(
			"Failed to read query service response",
			proxyerror.WithCause(err),
		)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, proxyerror.Transport(
			"Query service response too large",
			proxyerror.WithPublicData("limit_bytes", c.maxResponseBytes),
		)
	}
	return body, nil
}

func upstreamMessage(body []byte) string {
	var resp proxyapi.QueryResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
		return resp.Error.Message
	}
	return ""
}

func statusError(status int, body []byte) error {
	opts := []proxyerror.ErrorOption{
		proxyerror.WithPublicData("upstream_status", status),
	}
	if msg := upstreamMessage(body); msg != "" {
		opts = append(opts, proxyerror.WithPublicData("upstream_message", msg))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return proxyerror.ClientInput("Query service rejected the X-Api-Key header", opts...)
	case status == http.StatusNotFound:
		return proxyerror.ClientInput("Unknown application id", opts...)
	case status == http.StatusBadRequest:
		return proxyerror.ClientInput("Query service rejected the query", opts...)
	case status == http.StatusTooManyRequests:
		opts = append(opts, proxyerror.WithHTTPCode(http.StatusServiceUnavailable))
		return proxyerror.Transport("Query service is throttling requests", opts...)
	default:
		return proxyerror.Transport("Query service returned an error", opts...)
	}
}

// DecodePage extracts the first table of a query response body. Absent
// tables, columns or rows are shape errors; present-but-empty columns or
// rows form a sentinel page.
func DecodePage(body []byte) (*proxyapi.Page, error) {
	var resp proxyapi.QueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, proxyerror.UpstreamShape(
			"Query service returned invalid JSON",
			proxyerror.WithCause(err),
		)
	}

	if resp.Tables == nil || len(*resp.Tables) == 0 {
		return nil, proxyerror.UpstreamShape("Query service response has no tables")
	}

	table := (*resp.Tables)[0]
	if table.Columns == nil {
		return nil, proxyerror.UpstreamShape(
			"Query service response table has no columns",
			proxyerror.WithPublicData("table", table.Name),
		)
	}
	if table.Rows == nil {
		return nil, proxyerror.UpstreamShape(
			"Query service response table has no rows",
			proxyerror.WithPublicData("table", table.Name),
		)
	}

	return &proxyapi.Page{
		Columns: table.Columns,
		Rows:    table.Rows,
	}, nil
}
