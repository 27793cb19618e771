package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"diagramflow/internal/catalog"
	"diagramflow/internal/llm"
)

// ErrInvalidMermaid is returned when the model's answer is not a Mermaid
// diagram.
var ErrInvalidMermaid = errors.New("model output is not a mermaid diagram")

// ErrNoRenderer is returned by Finish when no renderer is configured.
var ErrNoRenderer = errors.New("no mermaid renderer configured")

var mermaidFence = regexp.MustCompile("(?s)```(?:mermaid)?\\s*\n(.*?)```")

var mermaidHeaders = []string{
	"graph", "flowchart", "sequenceDiagram", "classDiagram", "stateDiagram",
	"erDiagram", "journey", "gantt", "pie", "mindmap", "timeline",
	"quadrantChart", "xychart-beta", "block-beta",
}

// mermaidHints tells the model which diagram syntax fits each kind.
var mermaidHints = map[string]string{
	catalog.KindFlowchart: "flowchart TD",
	catalog.KindProcess:   "flowchart LR",
	catalog.KindSequence:  "sequenceDiagram",
	catalog.KindTimeline:  "timeline",
	catalog.KindCycle:     "flowchart LR with an edge from the last step back to the first",
	catalog.KindPyramid:   "flowchart TD with one node per level, top level first",
	catalog.KindFunnel:    "flowchart TD with one node per stage",
	catalog.KindMindMap:   "mindmap",
	catalog.KindOrgChart:  "flowchart TD",
	catalog.KindGantt:     "gantt",
	catalog.KindBarChart:  "xychart-beta with a bar series",
	catalog.KindLineChart: "xychart-beta with a line series",
	catalog.KindPieChart:  "pie",
}

// mermaidThemes are the built-in Mermaid themes accepted in the init
// directive.
var mermaidThemes = map[string]bool{
	"default": true,
	"dark":    true,
	"forest":  true,
	"neutral": true,
	"base":    true,
}

const mermaidSystemPrompt = `You convert descriptions into Mermaid diagram source.
Answer with the Mermaid source only, inside a single mermaid code block. Do not explain.`

// Renderer turns diagram source into a final visual form.
type Renderer interface {
	Render(ctx context.Context, source string) (content string, contentType string, err error)
}

// MermaidBackend asks a language model for Mermaid source and renders it.
type MermaidBackend struct {
	client   llm.Client
	renderer Renderer
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewMermaidBackend creates the backend. renderer may be nil, in which case
// every result is delivered as Mermaid source. maxConcurrent bounds the
// number of simultaneous model calls across all sessions.
func NewMermaidBackend(client llm.Client, renderer Renderer, maxConcurrent int64, logger *zap.Logger) *MermaidBackend {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &MermaidBackend{
		client:   client,
		renderer: renderer,
		sem:      semaphore.NewWeighted(maxConcurrent),
		logger:   logger.Named("mermaid"),
	}
}

// Name implements Backend.
func (m *MermaidBackend) Name() catalog.Method { return catalog.MethodMermaid }

// Supports implements Backend.
func (m *MermaidBackend) Supports(kind string) bool {
	_, ok := mermaidHints[catalog.Normalize(kind)]
	return ok
}

// Generate implements Backend.
func (m *MermaidBackend) Generate(ctx context.Context, req Request) (*Artifact, error) {
	kind := catalog.Normalize(req.Kind)
	hint, ok := mermaidHints[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	theme := strings.ToLower(req.Theme.Name)
	if !mermaidThemes[theme] {
		theme = ""
	}
	prompt := fmt.Sprintf("Diagram kind: %s\nUse Mermaid syntax: %s\n", kind, hint)
	if theme != "" {
		prompt += fmt.Sprintf("Mermaid theme: %s\n", theme)
	}
	prompt += "\nDescription:\n" + req.Content

	out, err := m.client.Complete(ctx, llm.Request{
		System:      mermaidSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   2048,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("generate mermaid: %w", err)
	}

	source, err := ExtractMermaid(out)
	if err != nil {
		return nil, err
	}
	if theme != "" {
		source = fmt.Sprintf("%%%%{init: {'theme': '%s'}}%%%%\n%s", theme, source)
	}
	return &Artifact{Kind: kind, Content: source, ContentType: ContentTypeMermaid}, nil
}

// Finish implements Finisher by rendering the Mermaid source.
func (m *MermaidBackend) Finish(ctx context.Context, art *Artifact) (*Artifact, error) {
	if m.renderer == nil {
		return nil, ErrNoRenderer
	}
	content, contentType, err := m.renderer.Render(ctx, art.Content)
	if err != nil {
		return nil, fmt.Errorf("render mermaid: %w", err)
	}
	return &Artifact{Kind: art.Kind, Content: content, ContentType: contentType}, nil
}

// ExtractMermaid pulls Mermaid source out of a model answer, with or without
// a code fence, and checks it starts with a known diagram header.
func ExtractMermaid(answer string) (string, error) {
	source := answer
	if m := mermaidFence.FindStringSubmatch(answer); m != nil {
		source = m[1]
	}
	source = strings.TrimSpace(source)

	first := source
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		first = line
		break
	}
	for _, h := range mermaidHeaders {
		if strings.HasPrefix(first, h) {
			return source, nil
		}
	}
	return "", ErrInvalidMermaid
}
