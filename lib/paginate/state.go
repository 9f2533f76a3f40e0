package paginate

import (
	"fmt"
	"strings"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingFirstPage
	StateEmittingPage
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstPage:
		return "awaiting_first_page"
	case StateEmittingPage:
		return "emitting_page"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ShapePolicy decides whether a malformed upstream response ends the scan
// quietly or fails it.
type ShapePolicy string

const (
	ShapePolicyStrict    = ShapePolicy("strict")
	ShapePolicyTolerant  = ShapePolicy("tolerant")
	ShapePolicyFirstPage = ShapePolicy("first_page")
)

func ParseShapePolicy(s string) (ShapePolicy, error) {
	switch p := ShapePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case ShapePolicyStrict, ShapePolicyTolerant, ShapePolicyFirstPage:
		return p, nil
	}
	return "", fmt.Errorf("unknown shape policy %q (want %q, %q or %q)", s, ShapePolicyStrict, ShapePolicyTolerant, ShapePolicyFirstPage)
}

func (p ShapePolicy) endsScan(firstPage bool) bool {
	switch p {
	case ShapePolicyTolerant:
		return true
	case ShapePolicyStrict:
		return false
	default:
		return !firstPage
	}
}

// Observer receives scan events, typically to update metrics.
type Observer interface {
	PageFetched(rows int, elapsed time.Duration)
	RecordsEmitted(n int)
	BoundaryTie(ties int)
	ScanFinished(state State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PageFetched(int, time.Duration) {}
func (nopObserver) RecordsEmitted(int) {}
func (nopObserver) BoundaryTie(int) {}
func (nopObserver) ScanFinished(State, time.Duration) {}
