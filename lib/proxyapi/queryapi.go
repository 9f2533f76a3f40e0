package proxyapi

// QueryRequest is the body sent to the upstream query service.
type QueryRequest struct {
	Query string `json:"query"`
}

type Column struct {
	Name *string `json:"name"`
	Type string  `json:"type,omitempty"`
}

func (c Column) GetName() string {
	if c.Name == nil {
		return ""
	}
	return *c.Name
}

type Table struct {
	Name    string    `json:"name"`
	Columns []Column  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

type UpstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QueryResponse mirrors {tables: [{columns: [{name}], rows: [[...]]}]}.
// Tables is a pointer so that an absent field can be told apart from an
// empty list.
type QueryResponse struct {
	Tables *[]Table       `json:"tables"`
	Error  *UpstreamError `json:"error,omitempty"`
}

// Page is one bounded fetch result.
type Page struct {
	Columns []Column
	Rows    [][]Value
}

// IsSentinel reports whether the page signals end-of-data.
func (p *Page) IsSentinel() bool {
	return p == nil || len(p.Columns) == 0 || len(p.Rows) == 0
}

func (p *Page) RowCount() int {
	if p == nil {
		return 0
	}
	return len(p.Rows)
}
