package backend

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"

	"go.uber.org/zap"

	"diagramflow/internal/catalog"
)

const (
	templateSuffix      = ".svg.tmpl"
	baseTemplateName    = "diagram"
	maxTemplateItems    = 12
	templateLabelLength = 28
)

type layoutFunc func(doc *svgDoc, items []string, colors []string)

var templateLayouts = map[string]layoutFunc{
	catalog.KindProcess:   layoutFlow,
	catalog.KindFlowchart: layoutFlow,
	catalog.KindTimeline:  layoutTimeline,
	catalog.KindPyramid:   layoutPyramid,
	catalog.KindFunnel:    layoutFunnel,
	catalog.KindCycle:     layoutCycle,
	catalog.KindMatrix:    layoutMatrix,
	catalog.KindVenn:      layoutVenn,
	catalog.KindMindMap:   layoutTree,
	catalog.KindOrgChart:  layoutTree,
}

// TemplateBackend fills SVG templates with geometry computed from the
// request's list items. Templates named <kind>.svg.tmpl or diagram.svg.tmpl
// in the template directory override the built-in one.
type TemplateBackend struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
	gen       atomic.Uint64
}

// NewTemplateBackend loads templates from dir (which may be empty).
func NewTemplateBackend(dir string, logger *zap.Logger) (*TemplateBackend, error) {
	b := &TemplateBackend{dir: dir, logger: logger.Named("template")}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements Backend.
func (b *TemplateBackend) Name() catalog.Method { return catalog.MethodTemplate }

// Supports implements Backend.
func (b *TemplateBackend) Supports(kind string) bool {
	_, ok := templateLayouts[catalog.Normalize(kind)]
	return ok
}

// Dir is the watched override directory.
func (b *TemplateBackend) Dir() string { return b.dir }

// Reload re-parses the built-in template and every override in the
// directory. On a parse error the previous set stays active.
func (b *TemplateBackend) Reload() error {
	set := make(map[string]*template.Template)
	base, err := template.New(baseTemplateName).Funcs(svgFuncs).Parse(baseDiagramTemplate)
	if err != nil {
		return fmt.Errorf("parse built-in template: %w", err)
	}
	set[baseTemplateName] = base

	if b.dir != "" {
		entries, err := os.ReadDir(b.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read template dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), templateSuffix) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), templateSuffix)
			data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
			if err != nil {
				return fmt.Errorf("read template %s: %w", e.Name(), err)
			}
			tmpl, err := template.New(name).Funcs(svgFuncs).Parse(string(data))
			if err != nil {
				return fmt.Errorf("parse template %s: %w", e.Name(), err)
			}
			set[catalog.Normalize(name)] = tmpl
		}
	}

	b.mu.Lock()
	b.templates = set
	b.mu.Unlock()
	b.gen.Add(1)
	b.logger.Debug("templates loaded", zap.Int("count", len(set)), zap.String("dir", b.dir))
	return nil
}

// Generation implements Versioned. It counts successful reloads.
func (b *TemplateBackend) Generation() uint64 { return b.gen.Load() }

// Templates lists the loaded template names.
func (b *TemplateBackend) Templates() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.templates))
	for n := range b.templates {
		names = append(names, n)
	}
	return names
}

func (b *TemplateBackend) lookup(kind string) *template.Template {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.templates[kind]; ok {
		return t
	}
	return b.templates[baseTemplateName]
}

// Generate implements Backend.
func (b *TemplateBackend) Generate(ctx context.Context, req Request) (*Artifact, error) {
	kind := catalog.Normalize(req.Kind)
	layout, ok := templateLayouts[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}

	items := ParseItems(req.Content)
	if len(items) == 0 {
		return nil, ErrNoUsableData
	}
	if len(items) > maxTemplateItems {
		items = items[:maxTemplateItems]
	}
	for i := range items {
		items[i] = truncateLabel(items[i], templateLabelLength)
	}

	doc := newDoc(kind, req.Theme, 800, 500)
	layout(doc, items, palette(req.Theme, len(items)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := b.lookup(kind).Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return &Artifact{Kind: kind, Content: buf.String(), ContentType: ContentTypeSVG}, nil
}

func layoutFlow(doc *svgDoc, items []string, colors []string) {
	perRow := 4
	boxW, boxH, gapX, gapY := 150.0, 60.0, 50.0, 70.0
	rows := (len(items) + perRow - 1) / perRow
	doc.Height = math.Max(doc.Height, 60+float64(rows)*(boxH+gapY))
	for i, item := range items {
		row, col := i/perRow, i%perRow
		x := 30 + float64(col)*(boxW+gapX)
		y := 40 + float64(row)*(boxH+gapY)
		doc.Rects = append(doc.Rects, svgRect{X: x, Y: y, W: boxW, H: boxH, Fill: colors[i]})
		doc.Texts = append(doc.Texts, svgText{X: x + boxW/2, Y: y + boxH/2 + 5, Label: item, Anchor: "middle", Size: 13})
		if i == len(items)-1 {
			continue
		}
		if col == perRow-1 {
			doc.Lines = append(doc.Lines, svgLine{X1: x + boxW/2, Y1: y + boxH, X2: 30 + boxW/2, Y2: y + boxH + gapY})
		} else {
			doc.Lines = append(doc.Lines, svgLine{X1: x + boxW, Y1: y + boxH/2, X2: x + boxW + gapX, Y2: y + boxH/2})
		}
	}
}

func layoutTimeline(doc *svgDoc, items []string, colors []string) {
	y := doc.Height / 2
	step := (doc.Width - 100) / float64(len(items))
	doc.Lines = append(doc.Lines, svgLine{X1: 30, Y1: y, X2: doc.Width - 30, Y2: y})
	for i, item := range items {
		x := 50 + step*float64(i) + step/2
		doc.Circles = append(doc.Circles, svgCircle{CX: x, CY: y, R: 10, Fill: colors[i], Opacity: 1})
		ty := y - 25
		if i%2 == 1 {
			ty = y + 40
		}
		doc.Texts = append(doc.Texts, svgText{X: x, Y: ty, Label: item, Anchor: "middle", Size: 12})
	}
}

// layoutStack draws horizontal bands whose width follows widthAt(i).
func layoutStack(doc *svgDoc, items []string, colors []string, widthAt func(t float64) float64) {
	n := float64(len(items))
	top, bandH := 30.0, (doc.Height-60)/n
	cx := doc.Width / 2
	for i, item := range items {
		y0 := top + float64(i)*bandH
		y1 := y0 + bandH
		w0 := widthAt(float64(i) / n)
		w1 := widthAt(float64(i+1) / n)
		points := fmt.Sprintf("%.1f,%.1f %.1f,%.1f %.1f,%.1f %.1f,%.1f",
			cx-w0/2, y0, cx+w0/2, y0, cx+w1/2, y1, cx-w1/2, y1)
		doc.Polygons = append(doc.Polygons, svgPolygon{Points: points, Fill: colors[i]})
		doc.Texts = append(doc.Texts, svgText{X: cx, Y: y0 + bandH/2 + 5, Label: item, Anchor: "middle", Size: 14})
	}
}

func layoutPyramid(doc *svgDoc, items []string, colors []string) {
	maxW := doc.Width - 100
	layoutStack(doc, items, colors, func(t float64) float64 { return maxW * t })
}

func layoutFunnel(doc *svgDoc, items []string, colors []string) {
	maxW := doc.Width - 100
	layoutStack(doc, items, colors, func(t float64) float64 { return maxW * (1 - 0.75*t) })
}

func layoutCycle(doc *svgDoc, items []string, colors []string) {
	cx, cy := doc.Width/2, doc.Height/2
	radius := math.Min(cx, cy) - 70
	n := float64(len(items))
	pos := func(i int) (float64, float64) {
		a := 2*math.Pi*float64(i)/n - math.Pi/2
		return cx + radius*math.Cos(a), cy + radius*math.Sin(a)
	}
	for i, item := range items {
		x, y := pos(i)
		doc.Circles = append(doc.Circles, svgCircle{CX: x, CY: y, R: 45, Fill: colors[i], Opacity: 0.9})
		doc.Texts = append(doc.Texts, svgText{X: x, Y: y + 5, Label: item, Anchor: "middle", Size: 12})
		if len(items) > 1 {
			nx, ny := pos((i + 1) % len(items))
			dx, dy := nx-x, ny-y
			d := math.Hypot(dx, dy)
			doc.Lines = append(doc.Lines, svgLine{
				X1: x + dx/d*48, Y1: y + dy/d*48,
				X2: nx - dx/d*48, Y2: ny - dy/d*48,
			})
		}
	}
}

func layoutMatrix(doc *svgDoc, items []string, colors []string) {
	cols := int(math.Ceil(math.Sqrt(float64(len(items)))))
	rows := (len(items) + cols - 1) / cols
	cellW := (doc.Width - 60) / float64(cols)
	cellH := (doc.Height - 60) / float64(rows)
	for i, item := range items {
		x := 30 + float64(i%cols)*cellW
		y := 30 + float64(i/cols)*cellH
		doc.Rects = append(doc.Rects, svgRect{X: x + 4, Y: y + 4, W: cellW - 8, H: cellH - 8, Fill: colors[i]})
		doc.Texts = append(doc.Texts, svgText{X: x + cellW/2, Y: y + cellH/2 + 5, Label: item, Anchor: "middle", Size: 14})
	}
}

func layoutVenn(doc *svgDoc, items []string, colors []string) {
	if len(items) > 3 {
		items = items[:3]
	}
	cx, cy := doc.Width/2, doc.Height/2
	offsets := [][2]float64{{-80, 40}, {80, 40}, {0, -80}}
	if len(items) == 2 {
		offsets = [][2]float64{{-70, 0}, {70, 0}}
	}
	if len(items) == 1 {
		offsets = [][2]float64{{0, 0}}
	}
	for i, item := range items {
		x, y := cx+offsets[i][0], cy+offsets[i][1]
		doc.Circles = append(doc.Circles, svgCircle{CX: x, CY: y, R: 130, Fill: colors[i], Opacity: 0.45})
		doc.Texts = append(doc.Texts, svgText{X: x + offsets[i][0]*0.6, Y: y + offsets[i][1]*0.6 + 5, Label: item, Anchor: "middle", Size: 14})
	}
}

// layoutTree puts the first item at the root and the rest as children.
func layoutTree(doc *svgDoc, items []string, colors []string) {
	boxW, boxH := 150.0, 50.0
	rootX := doc.Width/2 - boxW/2
	doc.Rects = append(doc.Rects, svgRect{X: rootX, Y: 40, W: boxW, H: boxH, Fill: colors[0]})
	doc.Texts = append(doc.Texts, svgText{X: doc.Width / 2, Y: 70, Label: items[0], Anchor: "middle", Size: 14})

	children := items[1:]
	if len(children) == 0 {
		return
	}
	step := (doc.Width - 40) / float64(len(children))
	w := math.Min(boxW, step-10)
	for i, child := range children {
		x := 20 + step*float64(i) + (step-w)/2
		y := 220.0
		doc.Rects = append(doc.Rects, svgRect{X: x, Y: y, W: w, H: boxH, Fill: colors[i+1]})
		doc.Texts = append(doc.Texts, svgText{X: x + w/2, Y: y + 30, Label: child, Anchor: "middle", Size: 12})
		doc.Lines = append(doc.Lines, svgLine{X1: doc.Width / 2, Y1: 40 + boxH, X2: x + w/2, Y2: y})
	}
}
