package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
)

var (
	errAdvisorTimeout = errors.New("advisor timed out")
	errBreakerOpen    = errors.New("advisor circuit open")
)

// DefaultAdvisorTimeout bounds a single advisor call.
const DefaultAdvisorTimeout = 2 * time.Second

// Engine computes strategies. It never fails: unknown kinds and advisor
// problems degrade to rule-based or inferred strategies.
type Engine struct {
	catalog    *catalog.Catalog
	advisor    Advisor
	timeout    time.Duration
	breaker    *Breaker
	summarizer *Summarizer
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdvisor enables semantic routing, each call bounded by timeout.
func WithAdvisor(a Advisor, timeout time.Duration) Option {
	return func(e *Engine) {
		e.advisor = a
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithBreaker skips the advisor while b is open.
func WithBreaker(b *Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithSummarizer bounds the content sent to the advisor.
func WithSummarizer(s *Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// NewEngine creates an engine over cat.
func NewEngine(cat *catalog.Catalog, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog: cat,
		timeout: DefaultAdvisorTimeout,
		logger:  logger.Named("routing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route returns the strategy for req.
func (e *Engine) Route(ctx context.Context, req backend.Request) Strategy {
	kind := catalog.Normalize(req.Kind)
	cands, known := e.catalog.Candidates(kind)
	if !known || len(cands) == 0 {
		s := e.infer(req, kind)
		e.logger.Debug("inferred strategy for unknown kind",
			zap.String("request_id", req.ID),
			zap.String("kind", kind),
			zap.String("target_kind", s.TargetKind),
			zap.String("primary", string(s.Primary)))
		return s
	}

	if e.advisor != nil {
		s, err := e.semantic(ctx, req, kind, cands)
		if err == nil {
			return s
		}
		e.logger.Info("semantic routing unavailable, using catalog rule",
			zap.String("request_id", req.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
	return e.ruleBased(kind, cands)
}

func (e *Engine) ruleBased(kind string, cands []catalog.Candidate) Strategy {
	primary := cands[0]
	fallbacks := make([]catalog.Method, 0, len(cands)-1)
	for _, c := range cands[1:] {
		fallbacks = append(fallbacks, c.Method)
	}
	return Strategy{
		Primary:    primary.Method,
		Confidence: RuleConfidence(primary.Priority),
		Justification: fmt.Sprintf("rule-based: catalog rule for %s selects %s (priority %d, %s quality)",
			kind, primary.Method, primary.Priority, primary.Quality),
		Fallbacks:        fallbacks,
		EstimatedLatency: e.catalog.EstimatedLatency(primary.Method),
		Quality:          primary.Quality,
		Source:           SourceRule,
		TargetKind:       kind,
	}
}

// RuleConfidence maps a catalog priority to a confidence: 0.95 for
// priority 1, decreasing by 0.15 per step, never below 0.5.
func RuleConfidence(priority int) float64 {
	if priority < 1 {
		priority = 1
	}
	c := 0.95 - 0.15*float64(priority-1)
	return math.Max(c, 0.5)
}

type adviceResult struct {
	advice Advice
	err    error
}

func (e *Engine) semantic(ctx context.Context, req backend.Request, kind string, cands []catalog.Candidate) (Strategy, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		return Strategy{}, errBreakerOpen
	}

	adv, err := e.ask(ctx, req, cands)
	if err == nil {
		err = validateAdvice(adv, cands)
	}
	if e.breaker != nil {
		if ctx.Err() != nil {
			// The caller gave up; says nothing about the advisor.
			e.breaker.Release()
		} else {
			e.breaker.Record(err == nil)
		}
	}
	if err != nil {
		return Strategy{}, err
	}

	quality := catalog.QualityAcceptable
	var rest []catalog.Method
	for _, c := range cands {
		if c.Method == adv.Primary {
			quality = c.Quality
		} else {
			rest = append(rest, c.Method)
		}
	}
	fallbacks := filterFallbacks(adv.Primary, adv.Fallbacks, cands)
	if len(fallbacks) == 0 {
		fallbacks = rest
	}

	return Strategy{
		Primary:          adv.Primary,
		Confidence:       adv.Confidence,
		Justification:    "semantic: " + adv.Justification,
		Fallbacks:        fallbacks,
		EstimatedLatency: e.catalog.EstimatedLatency(adv.Primary),
		Quality:          quality,
		Source:           SourceSemantic,
		TargetKind:       kind,
	}, nil
}

// ask runs the advisor in its own goroutine so that a call ignoring its
// context cannot hold the request past the timeout.
func (e *Engine) ask(ctx context.Context, req backend.Request, cands []catalog.Candidate) (Advice, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	sum := Summary{Kind: catalog.Normalize(req.Kind), Content: req.Content, Theme: req.Theme.Name}
	if e.summarizer != nil {
		sum = e.summarizer.Summarize(req)
	}

	done := make(chan adviceResult, 1)
	go func() {
		adv, err := e.advisor.Advise(actx, sum, cands)
		done <- adviceResult{advice: adv, err: err}
	}()

	select {
	case res := <-done:
		return res.advice, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return Advice{}, ctx.Err()
		}
		return Advice{}, errAdvisorTimeout
	}
}

func validateAdvice(adv Advice, cands []catalog.Candidate) error {
	if math.IsNaN(adv.Confidence) || adv.Confidence < 0 || adv.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedAdvice, adv.Confidence)
	}
	for _, c := range cands {
		if c.Method == adv.Primary {
			return nil
		}
	}
	return fmt.Errorf("%w: primary %q is not a candidate", ErrMalformedAdvice, adv.Primary)
}

func filterFallbacks(primary catalog.Method, proposed []catalog.Method, cands []catalog.Candidate) []catalog.Method {
	allowed := make(map[catalog.Method]bool, len(cands))
	for _, c := range cands {
		allowed[c.Method] = true
	}
	seen := map[catalog.Method]bool{primary: true}
	out := make([]catalog.Method, 0, len(proposed))
	for _, m := range proposed {
		if !allowed[m] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
