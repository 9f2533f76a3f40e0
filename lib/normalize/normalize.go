package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
)

const DefaultTimestampColumn = "timestamp"

var (
	errRecordHasNoTimestamp = errors.New("record has no timestamp")
	errTimestampNotString   = errors.New("timestamp is not a string")
)

type RowArityError struct {
	Row     int
	Columns int
	Cells   int
}

func (e RowArityError) Error() string {
	return fmt.Sprintf("row %d has %d cells but the page has %d columns", e.Row, e.Cells, e.Columns)
}

type TimestampError struct {
	Raw string
	err error
}

func (e TimestampError) Error() string {
	return fmt.Sprintf("cannot interpret timestamp %s: %v", e.Raw, e.err)
}

func (e TimestampError) Unwrap() error {
	return e.err
}

// Normalizer turns tabular pages into ordered JSON records.
type Normalizer struct {
	// TimestampColumn names the column whose string values are canonicalized.
	// Empty means DefaultTimestampColumn.
	TimestampColumn string
}

func (n Normalizer) timestampColumn() string {
	if n.TimestampColumn == "" {
		return DefaultTimestampColumn
	}
	return n.TimestampColumn
}

// ColumnNames resolves declared column names, substituting col{index} for
// absent or empty ones.
func ColumnNames(columns []proxyapi.Column) []string {
	rv := make([]string, len(columns))
	for i, c := range columns {
		name := c.GetName()
		if name == "" {
			name = fmt.Sprintf("col%d", i)
		}
		rv[i] = name
	}
	return rv
}

// NormalizeValue applies the per-column value rules. Timestamp strings that
// cannot be parsed are returned unchanged.
func (n Normalizer) NormalizeValue(columnName string, value proxyapi.Value) proxyapi.Value {
	if columnName != n.timestampColumn() {
		return value
	}

	s, ok := value.AsString()
	if !ok {
		return value
	}

	canonical, ok := CanonicalizeTimestamp(s)
	if !ok {
		return value
	}
	return proxyapi.StringValue(canonical)
}

func (n Normalizer) NormalizeRow(names []string, row []proxyapi.Value) (*Record, error) {
	if len(row) != len(names) {
		return nil, RowArityError{Columns: len(names), Cells: len(row)}
	}

	record := NewRecord(len(names))
	for i, name := range names {
		record.Set(name, n.NormalizeValue(name, row[i]))
	}
	return record, nil
}

// NormalizePage normalizes every row of page in order. A sentinel page
// yields no records.
func (n Normalizer) NormalizePage(page *proxyapi.Page) ([]*Record, error) {
	if page.IsSentinel() {
		return nil, nil
	}

	names := ColumnNames(page.Columns)

	rv := make([]*Record, 0, len(page.Rows))
	for i, row := range page.Rows {
		record, err := n.NormalizeRow(names, row)
		if err != nil {
			var arityErr RowArityError
			if errors.As(err, &arityErr) {
				arityErr.Row = i
				return nil, arityErr
			}
			return nil, err
		}
		rv = append(rv, record)
	}
	return rv, nil
}

// RecordTimestamp returns the instant held in the record's timestamp column.
func (n Normalizer) RecordTimestamp(record *Record) (time.Time, error) {
	value, ok := record.Get(n.timestampColumn())
	if !ok || value.IsNull() {
		return time.Time{}, errRecordHasNoTimestamp
	}

	s, ok := value.AsString()
	if !ok {
		return time.Time{}, TimestampError{Raw: value.String(), err: errTimestampNotString}
	}

	t, err := ParseUpstreamTimestamp(s)
	if err != nil {
		return time.Time{}, TimestampError{Raw: value.String(), err: err}
	}
	return t, nil
}
