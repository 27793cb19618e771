// Package catalog holds the static table that maps a requested diagram kind
// to the generation methods able to produce it.
package catalog

import (
	"sort"
	"strings"
	"time"
)

// Method names a generation backend.
type Method string

const (
	MethodTemplate Method = "template"
	MethodChart    Method = "chart"
	MethodMermaid  Method = "mermaid"
)

// Quality is the coarse quality tier a method is expected to reach for a kind.
type Quality string

const (
	QualityHigh       Quality = "high"
	QualityMedium     Quality = "medium"
	QualityAcceptable Quality = "acceptable"
)

// Diagram kinds known to the default catalog.
const (
	KindFlowchart = "flowchart"
	KindProcess   = "process"
	KindSequence  = "sequence"
	KindTimeline  = "timeline"
	KindPyramid   = "pyramid"
	KindFunnel    = "funnel"
	KindCycle     = "cycle"
	KindMatrix    = "matrix"
	KindVenn      = "venn"
	KindMindMap   = "mind_map"
	KindOrgChart  = "org_chart"
	KindGantt     = "gantt"
	KindBarChart  = "bar_chart"
	KindLineChart = "line_chart"
	KindPieChart  = "pie_chart"
)

// Candidate is one method able to produce a kind. Lower Priority wins.
type Candidate struct {
	Method   Method  `json:"method"`
	Priority int     `json:"priority"`
	Quality  Quality `json:"quality"`
}

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	rules    map[string][]Candidate
	latency  map[Method]time.Duration
	fallback time.Duration
}

// New builds a catalog from rules keyed by kind. Candidate slices are copied
// and sorted by priority.
func New(rules map[string][]Candidate, latency map[Method]time.Duration) *Catalog {
	c := &Catalog{
		rules:    make(map[string][]Candidate, len(rules)),
		latency:  make(map[Method]time.Duration, len(latency)),
		fallback: 5 * time.Second,
	}
	for kind, cands := range rules {
		sorted := append([]Candidate(nil), cands...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
		c.rules[Normalize(kind)] = sorted
	}
	for m, d := range latency {
		c.latency[m] = d
	}
	return c
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New(map[string][]Candidate{
		KindFlowchart: {{MethodMermaid, 1, QualityHigh}, {MethodTemplate, 2, QualityMedium}},
		KindProcess:   {{MethodTemplate, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
		KindSequence:  {{MethodMermaid, 1, QualityHigh}},
		KindTimeline:  {{MethodTemplate, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
		KindPyramid:   {{MethodTemplate, 1, QualityHigh}, {MethodMermaid, 3, QualityAcceptable}},
		KindFunnel:    {{MethodTemplate, 1, QualityHigh}, {MethodMermaid, 3, QualityAcceptable}},
		KindCycle:     {{MethodTemplate, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
		KindMatrix:    {{MethodTemplate, 1, QualityHigh}},
		KindVenn:      {{MethodTemplate, 1, QualityHigh}},
		KindMindMap:   {{MethodMermaid, 1, QualityHigh}, {MethodTemplate, 2, QualityAcceptable}},
		KindOrgChart:  {{MethodMermaid, 1, QualityHigh}, {MethodTemplate, 2, QualityMedium}},
		KindGantt:     {{MethodMermaid, 1, QualityHigh}},
		KindBarChart:  {{MethodChart, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
		KindLineChart: {{MethodChart, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
		KindPieChart:  {{MethodChart, 1, QualityHigh}, {MethodMermaid, 2, QualityMedium}},
	}, map[Method]time.Duration{
		MethodTemplate: 200 * time.Millisecond,
		MethodChart:    500 * time.Millisecond,
		MethodMermaid:  8 * time.Second,
	})
}

// Normalize maps "Bar Chart", "bar-chart" and "bar_chart" to one key.
func Normalize(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	return k
}

// Candidates returns the candidates for kind ordered by priority, and
// whether the kind is known.
func (c *Catalog) Candidates(kind string) ([]Candidate, bool) {
	cands, ok := c.rules[Normalize(kind)]
	if !ok {
		return nil, false
	}
	return append([]Candidate(nil), cands...), true
}

// Supports reports whether method is a candidate for kind.
func (c *Catalog) Supports(kind string, method Method) bool {
	for _, cand := range c.rules[Normalize(kind)] {
		if cand.Method == method {
			return true
		}
	}
	return false
}

// Kinds lists every known kind in sorted order.
func (c *Catalog) Kinds() []string {
	kinds := make([]string, 0, len(c.rules))
	for k := range c.rules {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// EstimatedLatency is the typical duration of one attempt with method.
func (c *Catalog) EstimatedLatency(method Method) time.Duration {
	if d, ok := c.latency[method]; ok {
		return d
	}
	return c.fallback
}
