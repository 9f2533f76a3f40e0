package sink

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/normalize"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
)

func record(t *testing.T, kv ...string) *normalize.Record {
	t.Helper()
	if len(kv)%2 != 0 {
		t.Fatal("odd key/value list")
	}
	r := normalize.NewRecord(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		r.Set(kv[i], proxyapi.MustParseValue(kv[i+1]))
	}
	return r
}

type flushCounter struct {
	bytes.Buffer
	flushes int
}

func (f *flushCounter) Flush() error {
	f.flushes++
	return nil
}

func TestStreamingEmptyIsEmptyArray(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreaming(&buf)

	starts := 0
	s.OnStart = func() { starts++ }

	if s.Started() {
		t.Fatal("sink should not start before output")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[]" {
		t.Fatalf("got %q", buf.String())
	}
	if starts != 1 {
		t.Fatalf("OnStart called %d times", starts)
	}
}

func TestStreamingPages(t *testing.T) {
	out := &flushCounter{}
	s := NewStreaming(out)

	starts := 0
	s.OnStart = func() {
		if out.Len() != 0 {
			t.Fatal("OnStart must run before any output")
		}
		starts++
	}

	if err := s.Emit(record(t, "a", "1", "b", `"x"`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Emit(record(t, "a", "2", "b", "null")); err != nil {
		t.Fatal(err)
	}
	if err := s.EndPage(); err != nil {
		t.Fatal(err)
	}
	if out.flushes != 1 {
		t.Fatalf("expected a flush per page, got %d", out.flushes)
	}
	if err := s.Emit(record(t, "a", "3", "b", `{"c": [true]}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.EndPage(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	want := `[{"a":1,"b":"x"},{"a":2,"b":null},{"a":3,"b":{"c": [true]}}]`
	if out.String() != want {
		t.Fatalf("got %s\nwant %s", out.String(), want)
	}
	if !json.Valid(out.Bytes()) {
		t.Fatal("output is not valid JSON")
	}
	if starts != 1 || s.Count() != 3 {
		t.Fatalf("starts=%d count=%d", starts, s.Count())
	}
	if s.BytesWritten() != int64(len(want)) {
		t.Fatalf("BytesWritten = %d, want %d", s.BytesWritten(), len(want))
	}
}

func TestStreamingFlushesHTTPResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStreaming(rec)

	if err := s.Emit(record(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := s.EndPage(); err != nil {
		t.Fatal(err)
	}
	if !rec.Flushed {
		t.Fatal("expected the response to be flushed after a page")
	}
}

func TestStreamingEmitAfterClose(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreaming(&buf)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Emit(record(t, "a", "1")); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuffered(t *testing.T) {
	b := NewBuffered()
	if err := b.Emit(record(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := b.EndPage(); err != nil {
		t.Fatal(err)
	}
	if err := b.Emit(record(t, "a", "2")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if _, err := b.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if out.String() != `[{"a":1},{"a":2}]` {
		t.Fatalf("got %s", out.String())
	}
	if b.Count() != 2 {
		t.Fatalf("count = %d", b.Count())
	}

	empty := NewBuffered()
	out.Reset()
	if _, err := empty.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "[]" {
		t.Fatalf("got %s", out.String())
	}
}

func TestParseOutputMode(t *testing.T) {
	if m, err := ParseOutputMode("Streaming"); err != nil || m != OutputStreaming {
		t.Fatalf("ParseOutputMode: %v %v", m, err)
	}
	if _, err := ParseOutputMode("chunked"); err == nil {
		t.Fatal("expected error")
	}
}
