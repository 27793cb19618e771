// Package routing turns a generation request into a strategy: which method
// to try first, how confident the choice is, and what to fall back to.
package routing

import (
	"time"

	"diagramflow/internal/catalog"
)

// Source records how a strategy was derived.
type Source string

const (
	SourceSemantic Source = "semantic"
	SourceRule     Source = "rule"
	SourceInferred Source = "inferred"
)

// Strategy is computed fresh for every request and never shared.
type Strategy struct {
	Primary          catalog.Method
	Confidence       float64
	Justification    string
	Fallbacks        []catalog.Method
	EstimatedLatency time.Duration
	Quality          catalog.Quality
	Source           Source
	// TargetKind is the concrete kind backends should draw. It differs
	// from the requested kind only for inferred strategies.
	TargetKind string
}

// Methods returns the primary followed by the fallbacks with duplicates
// removed.
func (s Strategy) Methods() []catalog.Method {
	out := make([]catalog.Method, 0, 1+len(s.Fallbacks))
	seen := make(map[catalog.Method]bool, 1+len(s.Fallbacks))
	for _, m := range append([]catalog.Method{s.Primary}, s.Fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
