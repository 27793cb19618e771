// Package backend defines the capability interface every diagram generator
// implements, the request and artifact types that cross it, and the
// reference generators shipped with the server.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"diagramflow/internal/catalog"
)

// ErrUnsupportedKind is returned by Generate when asked for a kind the
// backend cannot draw.
var ErrUnsupportedKind = errors.New("unsupported diagram kind")

// ErrNoUsableData is returned when the content holds nothing the backend
// can lay out.
var ErrNoUsableData = errors.New("no usable data in content")

// Theme carries the optional rendering parameters of a request.
type Theme struct {
	Name            string `json:"theme,omitempty"`
	PrimaryColor    string `json:"primary_color,omitempty"`
	SecondaryColor  string `json:"secondary_color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	TextColor       string `json:"text_color,omitempty"`
	FontFamily      string `json:"font_family,omitempty"`
}

// Request is an accepted generation request. It is passed by value and
// never modified once accepted.
type Request struct {
	ID        string
	SessionID string
	Kind      string
	Content   string
	Theme     Theme
	Verbose   bool
}

// WithKind returns a copy of r targeting another kind.
func (r Request) WithKind(kind string) Request {
	r.Kind = kind
	return r
}

// Content types produced by the bundled backends.
const (
	ContentTypeSVG     = "image/svg+xml"
	ContentTypeMermaid = "text/x-mermaid"
)

// Artifact is the output of one generation attempt.
type Artifact struct {
	Kind        string `json:"kind"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	// Degraded marks an intermediate form returned because the final
	// rendering step failed.
	Degraded bool `json:"degraded,omitempty"`
}

// Backend is one generation method.
type Backend interface {
	Name() catalog.Method
	Supports(kind string) bool
	Generate(ctx context.Context, req Request) (*Artifact, error)
}

// Finisher is implemented by backends whose Generate output needs a further
// step (for example rendering source code to SVG).
type Finisher interface {
	Finish(ctx context.Context, art *Artifact) (*Artifact, error)
}

// Versioned is implemented by backends whose output for the same request
// can change at runtime, such as reloadable templates.
type Versioned interface {
	Generation() uint64
}

// Registry maps method names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[catalog.Method]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[catalog.Method]Backend)}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Register adds a backend, failing if the method name is taken.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns the backend for method.
func (r *Registry) Get(method catalog.Method) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[method]
	return b, ok
}

// Generation sums the generations of every Versioned backend, so it moves
// whenever any of them reloads.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var g uint64
	for _, b := range r.backends {
		if v, ok := b.(Versioned); ok {
			g += v.Generation()
		}
	}
	return g
}

// Methods lists registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for m := range r.backends {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}
