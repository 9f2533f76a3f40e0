package paginate

import (
	"fmt"
	"strings"
	"time"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
)

const datetimeLayout = "2006-01-02T15:04:05.0000000Z"

// maxDatetime stands in for an unbounded upper limit.
var maxDatetime = time.Date(9999, 12, 31, 23, 59, 59, 999999900, time.UTC)

type SortDirection string

const Ascending = SortDirection("asc")

func formatDatetime(t time.Time) string {
	return fmt.Sprintf("datetime('%s')", t.UTC().Format(datetimeLayout))
}

// pageQueryBuilder appends the paging clauses to a user query.
type pageQueryBuilder struct {
	base string

	timestampColumn string

	whereClauses []string
	orderClause  string
	limit        int
}

func newPageQueryBuilder(base, timestampColumn string) *pageQueryBuilder {
	return &pageQueryBuilder{
		base:            strings.TrimSpace(base),
		timestampColumn: timestampColumn,
		orderClause:     timestampColumn + " " + string(Ascending),
	}
}

func (qb *pageQueryBuilder) setTimestampStartFilterInclusive(t time.Time) {
	qb.whereClauses = append(qb.whereClauses,
		fmt.Sprintf("%s >= %s", qb.timestampColumn, formatDatetime(t)))
}

func (qb *pageQueryBuilder) setTimestampEndFilterExclusive(t time.Time) {
	qb.whereClauses = append(qb.whereClauses,
		fmt.Sprintf("%s < %s", qb.timestampColumn, formatDatetime(t)))
}

func (qb *pageQueryBuilder) setOrderBy(direction SortDirection) {
	qb.orderClause = qb.timestampColumn + " " + string(direction)
}

func (qb *pageQueryBuilder) setLimit(limit int) {
	qb.limit = limit
}

func (qb *pageQueryBuilder) buildQuery() string {
	query := qb.base

	if len(qb.whereClauses) > 0 {
		query += "\n| where " + strings.Join(qb.whereClauses, " and ")
	}

	if qb.orderClause != "" {
		query += "\n| order by " + qb.orderClause
	}

	if qb.limit > 0 {
		query += fmt.Sprintf("\n| take %d", qb.limit)
	}

	return query
}

// BuildPageQuery returns query restricted to window, sorted by ascending
// timestamp and limited to pageSize rows.
func BuildPageQuery(query string, timestampColumn string, window timewindow.Window, pageSize int) string {
	qb := newPageQueryBuilder(query, timestampColumn)

	qb.setTimestampStartFilterInclusive(window.From)

	to := window.To
	if window.Unbounded() {
		to = maxDatetime
	}
	qb.setTimestampEndFilterExclusive(to)

	// Cursor advance relies on non-decreasing timestamps within and
	// across pages.
	qb.setOrderBy(Ascending)
	qb.setLimit(pageSize)

	return qb.buildQuery()
}
