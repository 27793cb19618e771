package backend

import (
	"fmt"
	"html"
	"strings"
	"text/template"

	"diagramflow/internal/protocol"
)

// Primitive drawing elements handed to SVG templates.

type svgPolygon struct {
	Points string
	Fill   string
}

type svgRect struct {
	X, Y, W, H float64
	Fill       string
}

type svgCircle struct {
	CX, CY, R float64
	Fill      string
	Opacity   float64
}

type svgLine struct {
	X1, Y1, X2, Y2 float64
}

type svgText struct {
	X, Y   float64
	Label  string
	Anchor string
	Size   int
}

// svgDoc is the data every diagram template renders.
type svgDoc struct {
	Kind       string
	Width      float64
	Height     float64
	Background string
	TextColor  string
	Stroke     string
	Font       string
	Polygons   []svgPolygon
	Rects      []svgRect
	Circles    []svgCircle
	Lines      []svgLine
	Texts      []svgText
}

var svgFuncs = template.FuncMap{
	"esc": html.EscapeString,
	"f":   func(v float64) string { return fmt.Sprintf("%.1f", v) },
}

const baseDiagramTemplate = `<svg xmlns="http://www.w3.org/2000/svg" width="{{f .Width}}" height="{{f .Height}}" viewBox="0 0 {{f .Width}} {{f .Height}}" data-kind="{{esc .Kind}}">
<defs><marker id="arrow" viewBox="0 0 10 10" refX="9" refY="5" markerWidth="6" markerHeight="6" orient="auto-start-reverse"><path d="M0,0 L10,5 L0,10 z" fill="{{esc .Stroke}}"/></marker></defs>
<rect width="100%" height="100%" fill="{{esc .Background}}"/>
{{- range .Polygons}}
<polygon points="{{esc .Points}}" fill="{{esc .Fill}}" stroke="{{esc $.Stroke}}" stroke-width="1"/>
{{- end}}
{{- range .Rects}}
<rect x="{{f .X}}" y="{{f .Y}}" width="{{f .W}}" height="{{f .H}}" rx="8" fill="{{esc .Fill}}" stroke="{{esc $.Stroke}}" stroke-width="1"/>
{{- end}}
{{- range .Circles}}
<circle cx="{{f .CX}}" cy="{{f .CY}}" r="{{f .R}}" fill="{{esc .Fill}}" fill-opacity="{{f .Opacity}}" stroke="{{esc $.Stroke}}" stroke-width="1"/>
{{- end}}
{{- range .Lines}}
<line x1="{{f .X1}}" y1="{{f .Y1}}" x2="{{f .X2}}" y2="{{f .Y2}}" stroke="{{esc $.Stroke}}" stroke-width="2" marker-end="url(#arrow)"/>
{{- end}}
{{- range .Texts}}
<text x="{{f .X}}" y="{{f .Y}}" text-anchor="{{esc .Anchor}}" font-family="{{esc $.Font}}" font-size="{{.Size}}" fill="{{esc $.TextColor}}">{{esc .Label}}</text>
{{- end}}
</svg>
`

// palette derives per-item fill colours from the theme.
func palette(t Theme, n int) []string {
	base := []string{"#4F81BD", "#9BBB59", "#F79646", "#8064A2", "#4BACC6", "#C0504D"}
	base[0] = orColor(t.PrimaryColor, base[0])
	base[1] = orColor(t.SecondaryColor, base[1])
	if strings.EqualFold(t.Name, "mono") {
		base = []string{orColor(t.PrimaryColor, "#555555"), "#888888", "#AAAAAA"}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = base[i%len(base)]
	}
	return out
}

func newDoc(kind string, t Theme, w, h float64) *svgDoc {
	doc := &svgDoc{
		Kind:       kind,
		Width:      w,
		Height:     h,
		Background: orColor(t.BackgroundColor, "#FFFFFF"),
		TextColor:  orColor(t.TextColor, "#222222"),
		Stroke:     "#333333",
		Font:       t.FontFamily,
	}
	if doc.Font == "" {
		doc.Font = "Helvetica, Arial, sans-serif"
	}
	if strings.EqualFold(t.Name, "dark") {
		doc.Background = orColor(t.BackgroundColor, "#1E1E1E")
		doc.TextColor = orColor(t.TextColor, "#F0F0F0")
		doc.Stroke = "#CCCCCC"
	}
	return doc
}

// orColor returns v when it is a well-formed colour and def otherwise.
func orColor(v, def string) string {
	if !protocol.IsColor(v) {
		return def
	}
	return v
}

func truncateLabel(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
