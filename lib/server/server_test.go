package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/metrics"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/sink"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	boundsRegexp = regexp.MustCompile(`(?s)where timestamp >= datetime\('([^']+)'\) and timestamp < datetime\('([^']+)'\).*\| take (\d+)`)
)

const upstreamLayout = "2006-01-02T15:04:05.0000000Z"

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

type upstreamCall struct {
	path    string
	apiKey  string
	from    time.Time
	to      time.Time
	take    int
	rawBody string
}

// fakeUpstream serves the query API over an in-memory table.
type fakeUpstream struct {
	mu    sync.Mutex
	rows  []time.Time
	calls []upstreamCall

	// failures maps a 1-based call number to the status to return.
	failures map[int]int
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var req proxyapi.QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m := boundsRegexp.FindStringSubmatch(req.Query)
	if m == nil {
		http.Error(w, "unbounded query", http.StatusBadRequest)
		return
	}
	from, _ := time.Parse(upstreamLayout, m[1])
	to, _ := time.Parse(upstreamLayout, m[2])
	var take int
	fmt.Sscanf(m[3], "%d", &take)

	f.calls = append(f.calls, upstreamCall{
		path:    r.URL.Path,
		apiKey:  r.Header.Get("X-Api-Key"),
		from:    from,
		to:      to,
		take:    take,
		rawBody: string(body),
	})

	if status, ok := f.failures[len(f.calls)]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error": {"code": "Failure", "message": "status %d"}}`, status)
		return
	}

	var rows []string
	for i, ts := range f.rows {
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		if len(rows) >= take {
			break
		}
		rows = append(rows, fmt.Sprintf(`["%s", "row %d", %d.50]`, ts.Format(upstreamLayout), i, i))
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"tables": [{"name": "PrimaryResult", "columns": [{"name": "timestamp", "type": "datetime"}, {"name": "message", "type": "string"}, {"name": "value", "type": "real"}], "rows": [%s]}]}`, strings.Join(rows, ","))
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

type testEnv struct {
	server   *Server
	upstream *fakeUpstream
	proxy    *httptest.Server
	metrics  *metrics.Metrics
}

type envOption func(*[]Option)

func withServerOption(o Option) envOption {
	return func(opts *[]Option) {
		*opts = append(*opts, o)
	}
}

func newTestEnv(t *testing.T, upstream *fakeUpstream, pageSize int, options ...envOption) *testEnv {
	t.Helper()

	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	client, err := queryclient.New(queryclient.WithBaseURL(upstreamServer.URL))
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()

	engine, err := paginate.New(client, paginate.WithPageSize(pageSize), paginate.WithObserver(m.Observer()))
	if err != nil {
		t.Fatal(err)
	}

	opts := []Option{
		WithEngine(engine),
		WithMetrics(m),
		WithMaxPageSize(1000),
		WithResolver(timewindow.Resolver{
			Mode: timewindow.ModeStrict,
			Now:  func() time.Time { return at(3600) },
		}),
	}
	for _, o := range options {
		o(&opts)
	}

	srv, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}

	proxy := httptest.NewServer(srv.Handler())
	t.Cleanup(proxy.Close)

	return &testEnv{server: srv, upstream: upstream, proxy: proxy, metrics: m}
}

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

func withoutAPIKey() requestOption {
	return func(r *http.Request) {
		r.Header.Del("X-Api-Key")
	}
}

const startQuery = `{"query": "requests | where timestamp > datetime('2024-01-01T00:00:00Z')"}`

func (e *testEnv) post(t *testing.T, body string, options ...requestOption) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, e.proxy.URL+"/proxy/my-app", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", "secret-key")
	req.Header.Set("Content-Type", "application/json")
	for _, o := range options {
		o(req)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decodeRecords(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("response is not a JSON array of records: %v\n%s", err, data)
	}
	return records
}

func expectError(t *testing.T, resp *http.Response, data []byte, status int, message string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d; body %s", resp.StatusCode, status, data)
	}
	var errResp proxyapi.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		t.Fatalf("error body is not JSON: %v\n%s", err, data)
	}
	if message != "" && errResp.Error.Message != message {
		t.Fatalf("error message = %q, want %q", errResp.Error.Message, message)
	}
	if errResp.RequestID == "" || errResp.RequestID != resp.Header.Get(HeaderRequestID) {
		t.Fatalf("error response request id %q does not match header %q", errResp.RequestID, resp.Header.Get(HeaderRequestID))
	}
}

func TestProxyStreamsAllPages(t *testing.T) {
	upstream := &fakeUpstream{rows: []time.Time{at(0), at(1), at(2), at(3), at(4)}}
	env := newTestEnv(t, upstream, 2)

	resp, data := env.post(t, startQuery)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	records := decodeRecords(t, data)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i, record := range records {
		want := at(i).Format("2006-01-02T15:04:05.000000Z")
		if record["timestamp"] != want {
			t.Fatalf("record %d timestamp = %v, want %v", i, record["timestamp"], want)
		}
	}

	if !bytes.Contains(data, []byte(`"value":0.50`)) {
		t.Fatalf("numbers should keep their textual form: %s", data)
	}
	if !bytes.HasPrefix(data, []byte(`[{"timestamp":"2024-01-01T00:00:00.000000Z","message":"row 0","value":0.50}`)) {
		t.Fatalf("unexpected output %s", data)
	}

	calls := upstream.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", len(calls))
	}
	if want := at(3).Add(time.Millisecond); !calls[2].from.Equal(want) {
		t.Fatalf("third call lower bound = %v, want %v", calls[2].from, want)
	}
	for _, c := range calls {
		if c.path != "/v1/apps/my-app/query" || c.apiKey != "secret-key" || c.take != 2 {
			t.Fatalf("unexpected upstream call %+v", c)
		}
	}

	if got := resp.Trailer.Get(proxyapi.TrailerStatus); got != proxyapi.StatusComplete {
		t.Fatalf("status trailer = %q", got)
	}
	if got := resp.Trailer.Get(proxyapi.TrailerRecordCount); got != "5" {
		t.Fatalf("record count trailer = %q", got)
	}
}

func TestProxyEmptyResult(t *testing.T) {
	upstream := &fakeUpstream{}
	env := newTestEnv(t, upstream, 2)

	resp, data := env.post(t, startQuery)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.StatusCode, data)
	}
	if string(data) != "[]" {
		t.Fatalf("body = %s", data)
	}
	if len(upstream.Calls()) != 1 {
		t.Fatalf("expected a single upstream call, got %d", len(upstream.Calls()))
	}
	if got := resp.Trailer.Get(proxyapi.TrailerRecordCount); got != "0" {
		t.Fatalf("record count trailer = %q", got)
	}
}

func TestProxyClientErrors(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{}, 2)

	cases := []struct {
		name    string
		body    string
		options []requestOption
		status  int
		message string
	}{
		{"missing key", startQuery, []requestOption{withoutAPIKey()}, 400, "Missing X-Api-Key header"},
		{"empty body", "", nil, 400, "Empty request body"},
		{"blank body", "  \n", nil, 400, "Empty request body"},
		{"malformed json", `{"query": `, nil, 400, "Invalid JSON body or missing 'query' property"},
		{"missing query", `{"q": "requests"}`, nil, 400, "Invalid JSON body or missing 'query' property"},
		{"empty query", `{"query": "  "}`, nil, 400, "Invalid JSON body or missing 'query' property"},
		{"no start", `{"query": "requests"}`, nil, 400, "Start DateTime must be specified in the query"},
		{"bad batch", startQuery, []requestOption{withHeader("x-batch-size", "0")}, 400, ""},
		{"huge batch", startQuery, []requestOption{withHeader("x-batch-size", "5000")}, 400, ""},
		{"bad start", startQuery, []requestOption{withHeader("x-date-start", "yesterday")}, 400, ""},
		{"bad interval", startQuery, []requestOption{withHeader("x-date-interval", "-5")}, 400, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, data := env.post(t, c.body, c.options...)
			expectError(t, resp, data, c.status, c.message)
		})
	}

	if n := len(env.upstream.Calls()); n != 0 {
		t.Fatalf("rejected requests reached the upstream %d times", n)
	}
}

func TestProxyOverrides(t *testing.T) {
	upstream := &fakeUpstream{rows: []time.Time{at(0), at(60), at(120)}}
	env := newTestEnv(t, upstream, 2)

	resp, data := env.post(t, `{"query": "requests"}`,
		withHeader("x-date-start", "2024-01-01T00:00:30Z"),
		withHeader("x-date-interval", "1"),
		withHeader("x-batch-size", "7"),
	)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.StatusCode, data)
	}

	records := decodeRecords(t, data)
	if len(records) != 1 || records[0]["timestamp"] != "2024-01-01T00:01:00.000000Z" {
		t.Fatalf("unexpected records %v", records)
	}

	calls := upstream.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !calls[0].from.Equal(at(30)) || !calls[0].to.Equal(at(90)) || calls[0].take != 7 {
		t.Fatalf("unexpected call %+v", calls[0])
	}
}

func TestProxyUpstreamErrors(t *testing.T) {
	cases := []struct {
		upstreamStatus int
		wantStatus     int
	}{
		{http.StatusUnauthorized, http.StatusBadRequest},
		{http.StatusForbidden, http.StatusBadRequest},
		{http.StatusBadRequest, http.StatusBadRequest},
		{http.StatusInternalServerError, http.StatusBadGateway},
		{http.StatusServiceUnavailable, http.StatusBadGateway},
	}

	for _, c := range cases {
		upstream := &fakeUpstream{
			rows:     []time.Time{at(0)},
			failures: map[int]int{1: c.upstreamStatus},
		}
		env := newTestEnv(t, upstream, 2)

		resp, data := env.post(t, startQuery)
		expectError(t, resp, data, c.wantStatus, "")
	}
}

func TestProxyFailureAfterStreamingBegan(t *testing.T) {
	upstream := &fakeUpstream{
		rows:     []time.Time{at(0), at(1), at(2), at(3)},
		failures: map[int]int{2: http.StatusInternalServerError},
	}
	env := newTestEnv(t, upstream, 2)

	resp, data := env.post(t, startQuery)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; headers were committed with the first page", resp.StatusCode)
	}

	records := decodeRecords(t, data)
	if len(records) != 2 {
		t.Fatalf("expected the first page's 2 records, got %d", len(records))
	}

	if got := resp.Trailer.Get(proxyapi.TrailerStatus); got != proxyapi.StatusFailed {
		t.Fatalf("status trailer = %q", got)
	}
	if got := resp.Trailer.Get(proxyapi.TrailerError); got == "" {
		t.Fatal("expected an error trailer")
	}
	if got := resp.Trailer.Get(proxyapi.TrailerRecordCount); got != "2" {
		t.Fatalf("record count trailer = %q", got)
	}
}

// closeFailingWriter accepts records but fails the closing bracket.
type closeFailingWriter struct {
	*httptest.ResponseRecorder
}

func (w closeFailingWriter) Write(data []byte) (int, error) {
	if bytes.Equal(data, []byte("]")) {
		return 0, errors.New("connection reset")
	}
	return w.ResponseRecorder.Write(data)
}

func TestProxyFailureClosingResponse(t *testing.T) {
	upstream := &fakeUpstream{rows: []time.Time{at(0), at(1)}}
	env := newTestEnv(t, upstream, 10)

	w := closeFailingWriter{httptest.NewRecorder()}
	err := env.server.runStreaming(context.Background(), w, paginate.Scan{
		AppID:       "app",
		Credentials: queryclient.Credentials{APIKey: "k"},
		Query:       "requests",
		Window:      timewindow.Window{From: at(0), To: at(60)},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := w.Header()
	if got := h.Get(proxyapi.TrailerStatus); got != proxyapi.StatusFailed {
		t.Fatalf("status trailer = %q", got)
	}
	if got := h.Get(proxyapi.TrailerError); got == "" {
		t.Fatal("expected an error trailer")
	}
	if got := h.Get(proxyapi.TrailerRecordCount); got != "2" {
		t.Fatalf("record count trailer = %q", got)
	}
}

func TestProxyBufferedMode(t *testing.T) {
	upstream := &fakeUpstream{
		rows:     []time.Time{at(0), at(1), at(2), at(3)},
		failures: map[int]int{2: http.StatusInternalServerError},
	}
	env := newTestEnv(t, upstream, 2, withServerOption(WithOutputMode(sink.OutputBuffered)))

	resp, data := env.post(t, startQuery)
	expectError(t, resp, data, http.StatusBadGateway, "")

	upstream = &fakeUpstream{rows: []time.Time{at(0), at(1), at(2)}}
	env = newTestEnv(t, upstream, 2, withServerOption(WithOutputMode(sink.OutputBuffered)))

	resp, data = env.post(t, startQuery)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.StatusCode, data)
	}
	if records := decodeRecords(t, data); len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if got := resp.Header.Get(proxyapi.TrailerRecordCount); got != "3" {
		t.Fatalf("record count header = %q", got)
	}
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{}, 2)

	resp, err := http.Get(env.proxy.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health proxyapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Fatalf("unexpected health response %d %+v", resp.StatusCode, health)
	}

	resp, err = http.Get(env.proxy.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var v proxyapi.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || v.Version == "" {
		t.Fatalf("unexpected version response %d %+v", resp.StatusCode, v)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	upstream := &fakeUpstream{rows: []time.Time{at(0), at(1), at(2)}}
	env := newTestEnv(t, upstream, 2)

	if resp, data := env.post(t, startQuery); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.StatusCode, data)
	}

	resp, err := http.Get(env.proxy.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"aiproxy_pages_fetched_total 2",
		"aiproxy_records_emitted_total 3",
		`aiproxy_scans_total{state="complete"} 1`,
		`aiproxy_http_requests_total{method="POST",route="/proxy/{appId}",status="200"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output lacks %q", want)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{}, 2)

	resp, err := http.Get(env.proxy.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	expectError(t, resp, data, http.StatusNotFound, "Not found")

	resp, err = http.Get(env.proxy.URL + "/proxy/my-app")
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	expectError(t, resp, data, http.StatusMethodNotAllowed, "Method not allowed")
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{}, 2)

	const id = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	resp, _ := env.post(t, startQuery, withHeader(HeaderRequestID, id))
	if got := resp.Header.Get(HeaderRequestID); got != id {
		t.Fatalf("request id = %q, want %q", got, id)
	}

	resp, _ = env.post(t, startQuery, withHeader(HeaderRequestID, "not a uuid"))
	if got := resp.Header.Get(HeaderRequestID); got == "not a uuid" || got == "" {
		t.Fatalf("invalid request id was not replaced: %q", got)
	}
}

func TestQueryDigestIsCanonical(t *testing.T) {
	a := queryDigest([]byte(`{"query": "requests", "extra": 1}`))
	b := queryDigest([]byte(`{"extra":1,"query":"requests"}`))
	if a == "" || a != b {
		t.Fatalf("digests differ: %q %q", a, b)
	}
	if queryDigest([]byte(`{`)) != "" {
		t.Fatal("expected empty digest for invalid JSON")
	}
}

func TestParseOverrides(t *testing.T) {
	h := http.Header{}
	h.Set("x-batch-size", "10")
	h.Set("x-date-start", "2024-01-01 00:00:00")
	h.Set("x-date-interval", "90m")

	o, err := parseOverrides(h, 0)
	if err != nil {
		t.Fatal(err)
	}
	if o.GetPageSize(0) != 10 || !o.WindowStart.Equal(t0) || *o.WindowLength != 90*time.Minute {
		t.Fatalf("unexpected overrides %+v", o)
	}

	h.Set("x-date-interval", "15")
	o, err = parseOverrides(h, 0)
	if err != nil {
		t.Fatal(err)
	}
	if *o.WindowLength != 15*time.Minute {
		t.Fatalf("interval = %v", *o.WindowLength)
	}

	o, err = parseOverrides(http.Header{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if o.PageSize != nil || o.WindowStart != nil || o.WindowLength != nil {
		t.Fatalf("expected no overrides, got %+v", o)
	}
}
