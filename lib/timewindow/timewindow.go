// Package timewindow determines the time range a scan covers, either from
// explicit overrides or from a timestamp predicate embedded in the query.
package timewindow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
)

type Mode string

const (
	// ModeStrict requires a `<column> > datetime(...)` predicate.
	ModeStrict = Mode("strict")
	// ModePermissive falls back to the default window when no usable
	// predicate is found.
	ModePermissive = Mode("permissive")
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModePermissive:
		return ModePermissive, nil
	}
	return "", fmt.Errorf("unknown time window mode %q (want %q or %q)", s, ModeStrict, ModePermissive)
}

const DefaultLookback = time.Hour

// upstreamTick is the finest datetime resolution of the query language.
const upstreamTick = 100 * time.Nanosecond

// Window is the half-open range [From, To). A zero To is unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Unbounded() bool {
	return w.To.IsZero()
}

func (w Window) Contains(t time.Time) bool {
	if t.Before(w.From) {
		return false
	}
	return w.Unbounded() || t.Before(w.To)
}

func (w Window) String() string {
	to := "unbounded"
	if !w.Unbounded() {
		to = w.To.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("[%s, %s)", w.From.UTC().Format(time.RFC3339Nano), to)
}

var literalLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseLiteral parses an ISO-8601-like datetime. Values without a zone are
// taken as UTC.
func ParseLiteral(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range literalLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

const DefaultColumn = "timestamp"

const predicatePattern = `\b%s\s*(>=|<=|>|<)\s*(?i:datetime)\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^'")]*?))\s*\)`

var defaultPredicateRegexp = predicateRegexp(DefaultColumn)

func predicateRegexp(column string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(predicatePattern, regexp.QuoteMeta(column)))
}

// Predicate is one `timestamp <op> datetime(<literal>)` comparison.
type Predicate struct {
	Operator string
	Literal  string
}

func (p Predicate) isLowerBound() bool {
	return p.Operator == ">" || p.Operator == ">="
}

func (p Predicate) isUpperBound() bool {
	return p.Operator == "<" || p.Operator == "<="
}

// FindPredicates returns the comparisons on the timestamp column in query,
// in order.
func FindPredicates(query string) []Predicate {
	return findPredicates(defaultPredicateRegexp, query)
}

// FindColumnPredicates is FindPredicates for a differently named column.
func FindColumnPredicates(query, column string) []Predicate {
	if column == "" || column == DefaultColumn {
		return FindPredicates(query)
	}
	return findPredicates(predicateRegexp(column), query)
}

func findPredicates(re *regexp.Regexp, query string) []Predicate {
	var rv []Predicate
	for _, m := range re.FindAllStringSubmatch(query, -1) {
		literal := m[2]
		if literal == "" {
			literal = m[3]
		}
		if literal == "" {
			literal = m[4]
		}
		rv = append(rv, Predicate{
			Operator: m[1],
			Literal:  literal,
		})
	}
	return rv
}

type Resolver struct {
	Mode            Mode
	DefaultLookback time.Duration
	Now             func() time.Time

	// Column is the timestamp column the predicates compare; DefaultColumn
	// when empty.
	Column string
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Resolver) lookback() time.Duration {
	if r.DefaultLookback <= 0 {
		return DefaultLookback
	}
	return r.DefaultLookback
}

func (r Resolver) strict() bool {
	return r.Mode != ModePermissive
}

func (r Resolver) column() string {
	if r.Column == "" {
		return DefaultColumn
	}
	return r.Column
}

func (r Resolver) errMissingStart() error {
	return proxyerror.ClientInput(
		"Start DateTime must be specified in the query",
		proxyerror.WithPublicData("expected", r.column()+" > datetime('<start>')"),
		proxyerror.WithErrorID("missing-start-predicate"),
	)
}

func (r Resolver) lowerBound(predicates []Predicate) (time.Time, error) {
	for _, p := range predicates {
		if !p.isLowerBound() {
			continue
		}
		// The scan's first page is inclusive of its lower bound, so only
		// a strict comparison is a safe starting point in strict mode.
		if r.strict() && p.Operator != ">" {
			continue
		}
		t, err := ParseLiteral(p.Literal)
		if err != nil {
			return time.Time{}, proxyerror.ClientInput(
				"Start DateTime in the query could not be parsed",
				proxyerror.WithPublicData("literal", p.Literal),
				proxyerror.WithCause(err),
			)
		}
		return t, nil
	}
	return time.Time{}, r.errMissingStart()
}

func (r Resolver) upperBound(predicates []Predicate) (time.Time, error) {
	for _, p := range predicates {
		if !p.isUpperBound() {
			continue
		}
		t, err := ParseLiteral(p.Literal)
		if err != nil {
			return time.Time{}, proxyerror.ClientInput(
				"End DateTime in the query could not be parsed",
				proxyerror.WithPublicData("literal", p.Literal),
				proxyerror.WithCause(err),
			)
		}
		if p.Operator == "<=" {
			t = t.Add(upstreamTick)
		}
		return t, nil
	}
	return time.Time{}, nil
}

func (r Resolver) defaultWindow(overrides proxyapi.Overrides) Window {
	now := r.now()
	w := Window{
		From: now.Add(-r.lookback()),
		To:   now,
	}
	if overrides.WindowLength != nil {
		w.To = w.From.Add(*overrides.WindowLength)
	}
	return w
}

// Resolve computes the initial window for query. In strict mode failures are
// ClientInput errors; in permissive mode they yield the default window.
func (r Resolver) Resolve(query string, overrides proxyapi.Overrides) (Window, error) {
	predicates := FindColumnPredicates(query, r.column())

	var w Window

	if overrides.WindowStart != nil {
		w.From = overrides.WindowStart.UTC()
	} else {
		from, err := r.lowerBound(predicates)
		if err != nil {
			if r.strict() {
				return Window{}, err
			}
			return r.defaultWindow(overrides), nil
		}
		w.From = from
	}

	if overrides.WindowLength != nil {
		w.To = w.From.Add(*overrides.WindowLength)
		return w, nil
	}

	to, err := r.upperBound(predicates)
	if err != nil && r.strict() {
		return Window{}, err
	}
	if err == nil {
		w.To = to
	}

	return w, nil
}
