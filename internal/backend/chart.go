package backend

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"text/template"

	"diagramflow/internal/catalog"
)

var chartTemplate = template.Must(template.New("chart").Funcs(svgFuncs).Parse(baseDiagramTemplate))

// ChartBackend plots "label: value" data as bar, line or pie charts.
type ChartBackend struct{}

// NewChartBackend creates the chart plotter.
func NewChartBackend() *ChartBackend { return &ChartBackend{} }

// Name implements Backend.
func (c *ChartBackend) Name() catalog.Method { return catalog.MethodChart }

// Supports implements Backend.
func (c *ChartBackend) Supports(kind string) bool {
	switch catalog.Normalize(kind) {
	case catalog.KindBarChart, catalog.KindLineChart, catalog.KindPieChart:
		return true
	}
	return false
}

// Generate implements Backend.
func (c *ChartBackend) Generate(ctx context.Context, req Request) (*Artifact, error) {
	kind := catalog.Normalize(req.Kind)
	if !c.Supports(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	points := ParseSeries(req.Content)
	if len(points) == 0 {
		return nil, ErrNoUsableData
	}

	doc := newDoc(kind, req.Theme, 800, 500)
	colors := palette(req.Theme, len(points))
	switch kind {
	case catalog.KindPieChart:
		if err := plotPie(doc, points, colors); err != nil {
			return nil, err
		}
	case catalog.KindLineChart:
		plotLine(doc, points, colors)
	default:
		plotBars(doc, points, colors)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := chartTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("execute chart template: %w", err)
	}
	return &Artifact{Kind: kind, Content: buf.String(), ContentType: ContentTypeSVG}, nil
}

type plotArea struct {
	left, top, width, height float64
	min, max                 float64
}

func newPlotArea(doc *svgDoc, points []DataPoint) plotArea {
	a := plotArea{left: 70, top: 30, width: doc.Width - 100, height: doc.Height - 90}
	for _, p := range points {
		a.max = math.Max(a.max, p.Value)
		a.min = math.Min(a.min, p.Value)
	}
	if a.max == a.min {
		a.max = a.min + 1
	}
	return a
}

func (a plotArea) y(v float64) float64 {
	return a.top + a.height*(a.max-v)/(a.max-a.min)
}

func (a plotArea) axes(doc *svgDoc) {
	zero := a.y(0)
	doc.Lines = append(doc.Lines,
		svgLine{X1: a.left, Y1: a.top + a.height, X2: a.left, Y2: a.top - 10},
		svgLine{X1: a.left, Y1: zero, X2: a.left + a.width + 10, Y2: zero},
	)
	doc.Texts = append(doc.Texts,
		svgText{X: a.left - 8, Y: a.top + 5, Label: formatValue(a.max), Anchor: "end", Size: 11},
		svgText{X: a.left - 8, Y: a.top + a.height, Label: formatValue(a.min), Anchor: "end", Size: 11},
	)
}

func plotBars(doc *svgDoc, points []DataPoint, colors []string) {
	a := newPlotArea(doc, points)
	a.axes(doc)
	slot := a.width / float64(len(points))
	barW := slot * 0.7
	zero := a.y(0)
	for i, p := range points {
		x := a.left + slot*float64(i) + (slot-barW)/2
		top := math.Min(a.y(p.Value), zero)
		h := math.Abs(a.y(p.Value) - zero)
		doc.Rects = append(doc.Rects, svgRect{X: x, Y: top, W: barW, H: h, Fill: colors[i]})
		doc.Texts = append(doc.Texts,
			svgText{X: x + barW/2, Y: a.top + a.height + 20, Label: truncateLabel(p.Label, 14), Anchor: "middle", Size: 11},
			svgText{X: x + barW/2, Y: top - 6, Label: formatValue(p.Value), Anchor: "middle", Size: 11},
		)
	}
}

func plotLine(doc *svgDoc, points []DataPoint, colors []string) {
	a := newPlotArea(doc, points)
	a.axes(doc)
	step := a.width / math.Max(1, float64(len(points)-1))
	var prevX, prevY float64
	for i, p := range points {
		x := a.left + step*float64(i)
		if len(points) == 1 {
			x = a.left + a.width/2
		}
		y := a.y(p.Value)
		if i > 0 {
			doc.Lines = append(doc.Lines, svgLine{X1: prevX, Y1: prevY, X2: x, Y2: y})
		}
		doc.Circles = append(doc.Circles, svgCircle{CX: x, CY: y, R: 5, Fill: colors[0], Opacity: 1})
		doc.Texts = append(doc.Texts, svgText{X: x, Y: a.top + a.height + 20, Label: truncateLabel(p.Label, 14), Anchor: "middle", Size: 11})
		prevX, prevY = x, y
	}
}

func plotPie(doc *svgDoc, points []DataPoint, colors []string) error {
	var total float64
	for _, p := range points {
		if p.Value < 0 {
			return fmt.Errorf("%w: negative value for %q in pie chart", ErrNoUsableData, p.Label)
		}
		total += p.Value
	}
	if total == 0 {
		return fmt.Errorf("%w: pie values sum to zero", ErrNoUsableData)
	}

	cx, cy, r := doc.Width/2, doc.Height/2, math.Min(doc.Width, doc.Height)/2-60
	angle := -math.Pi / 2
	for i, p := range points {
		sweep := 2 * math.Pi * p.Value / total
		// Approximate each slice with a fan of points.
		steps := int(math.Max(2, math.Ceil(sweep/(math.Pi/36))))
		pts := fmt.Sprintf("%.1f,%.1f", cx, cy)
		for s := 0; s <= steps; s++ {
			a := angle + sweep*float64(s)/float64(steps)
			pts += fmt.Sprintf(" %.1f,%.1f", cx+r*math.Cos(a), cy+r*math.Sin(a))
		}
		doc.Polygons = append(doc.Polygons, svgPolygon{Points: pts, Fill: colors[i]})

		mid := angle + sweep/2
		label := fmt.Sprintf("%s (%.0f%%)", truncateLabel(p.Label, 16), 100*p.Value/total)
		doc.Texts = append(doc.Texts, svgText{
			X: cx + (r+30)*math.Cos(mid), Y: cy + (r+30)*math.Sin(mid),
			Label: label, Anchor: "middle", Size: 12,
		})
		angle += sweep
	}
	return nil
}

func formatValue(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
