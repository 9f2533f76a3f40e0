package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
)

type Field struct {
	Name  string
	Value proxyapi.Value
}

// Record is a JSON object whose keys keep the order in which they were set.
type Record struct {
	fields []Field
	index  map[string]int
}

func NewRecord(capacity int) *Record {
	return &Record{
		fields: make([]Field, 0, capacity),
		index:  make(map[string]int, capacity),
	}
}

// Set adds a field, or replaces the value of an existing field in place.
func (r *Record) Set(name string, value proxyapi.Value) {
	if r.index == nil {
		r.index = map[string]int{}
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
}

func (r *Record) Get(name string) (proxyapi.Value, bool) {
	if r == nil {
		return proxyapi.Value{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return proxyapi.Value{}, false
	}
	return r.fields[i].Value, true
}

func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	return r.fields
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, f.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		buf.Write(f.Value.Raw())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
