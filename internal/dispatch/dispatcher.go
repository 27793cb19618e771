// Package dispatch executes a routing strategy: it tries each method in
// order under its own timeout and returns the first usable artifact.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"diagramflow/internal/backend"
	"diagramflow/internal/cache"
	"diagramflow/internal/catalog"
	"diagramflow/internal/metrics"
	"diagramflow/internal/routing"
)

var (
	// ErrExhausted is wrapped by the error of a failed result.
	ErrExhausted = errors.New("all generation methods failed")
	// ErrNoBackend is recorded when a method has no registered backend.
	ErrNoBackend = errors.New("no backend registered")
	// ErrAttemptTimeout is recorded when an attempt exceeds its deadline.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Outcome is the terminal state of a dispatch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt records one method tried during a dispatch.
type Attempt struct {
	Method   catalog.Method
	Err      error
	Duration time.Duration
}

// Result is the outcome of Dispatch.
type Result struct {
	Outcome        Outcome
	Artifact       *backend.Artifact
	Method         catalog.Method
	IntendedMethod catalog.Method
	Fallback       bool
	CacheHit       bool
	Elapsed        time.Duration
	Attempts       []Attempt
	Err            error
}

// ProgressFunc is called before each attempt with its zero-based index.
type ProgressFunc func(method catalog.Method, attempt, total int)

// DefaultTimeout applies to methods without a configured timeout.
const DefaultTimeout = 10 * time.Second

// Dispatcher runs strategies against a backend registry.
type Dispatcher struct {
	registry       *backend.Registry
	cache          cache.Cache
	timeouts       map[catalog.Method]time.Duration
	defaultTimeout time.Duration
	metrics        metrics.Recorder
	logger         *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache consults c before running any backend and stores successes.
func WithCache(c cache.Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithTimeouts sets per-method attempt timeouts and the default for the
// rest. Non-positive values are ignored.
func WithTimeouts(timeouts map[catalog.Method]time.Duration, def time.Duration) Option {
	return func(d *Dispatcher) {
		for m, t := range timeouts {
			if t > 0 {
				d.timeouts[m] = t
			}
		}
		if def > 0 {
			d.defaultTimeout = def
		}
	}
}

// WithMetrics records attempt and cache metrics on r.
func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = r }
}

// New creates a dispatcher over registry.
func New(registry *backend.Registry, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		timeouts:       make(map[catalog.Method]time.Duration),
		defaultTimeout: DefaultTimeout,
		metrics:        metrics.Nop(),
		logger:         logger.Named("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the attempt timeout for method.
func (d *Dispatcher) Timeout(method catalog.Method) time.Duration {
	if t, ok := d.timeouts[method]; ok {
		return t
	}
	return d.defaultTimeout
}

// Dispatch runs strat for req. Cancelling ctx stops the chain with a
// cancelled outcome; a backend call that ignores cancellation is abandoned
// and its result discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, req backend.Request, strat routing.Strategy, progress ProgressFunc) Result {
	start := time.Now()
	if strat.TargetKind != "" {
		req = req.WithKind(strat.TargetKind)
	}
	res := Result{IntendedMethod: strat.Primary}
	finish := func(outcome Outcome) Result {
		res.Outcome = outcome
		res.Elapsed = time.Since(start)
		return res
	}

	if ctx.Err() != nil {
		return finish(OutcomeCancelled)
	}

	key := ""
	if d.cache != nil {
		key = cache.Key(req, d.registry.Generation())
		entry, hit, err := d.cache.Get(ctx, key)
		if err != nil {
			d.logger.Warn("cache lookup failed", zap.String("request_id", req.ID), zap.Error(err))
		}
		d.metrics.ObserveCache(hit)
		if hit {
			art := entry.Artifact
			res.Artifact = &art
			res.Method = entry.Method
			res.CacheHit = true
			return finish(OutcomeCompleted)
		}
	}

	methods := strat.Methods()
	for i, method := range methods {
		if ctx.Err() != nil {
			return finish(OutcomeCancelled)
		}
		if progress != nil {
			progress(method, i, len(methods))
		}

		attemptStart := time.Now()
		art, err := d.attempt(ctx, method, req)
		elapsed := time.Since(attemptStart)
		res.Attempts = append(res.Attempts, Attempt{Method: method, Err: err, Duration: elapsed})
		d.metrics.ObserveAttempt(string(method), attemptOutcome(art, err), elapsed)

		if err == nil {
			res.Artifact = art
			res.Method = method
			res.Fallback = i > 0
			if d.cache != nil && !art.Degraded {
				if err := d.cache.Set(ctx, key, cache.Entry{Artifact: *art, Method: method}); err != nil {
					d.logger.Warn("cache store failed", zap.String("request_id", req.ID), zap.Error(err))
				}
			}
			return finish(OutcomeCompleted)
		}
		if ctx.Err() != nil {
			return finish(OutcomeCancelled)
		}
		d.logger.Warn("generation attempt failed",
			zap.String("request_id", req.ID),
			zap.String("method", string(method)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}

	res.Err = exhaustedError(res.Attempts)
	return finish(OutcomeFailed)
}

type attemptResult struct {
	art *backend.Artifact
	err error
}

func (d *Dispatcher) attempt(ctx context.Context, method catalog.Method, req backend.Request) (*backend.Artifact, error) {
	b, ok := d.registry.Get(method)
	if !ok {
		return nil, fmt.Errorf("%s: %w", method, ErrNoBackend)
	}
	if !b.Supports(req.Kind) {
		return nil, fmt.Errorf("%s: %w: %s", method, backend.ErrUnsupportedKind, req.Kind)
	}

	actx, cancel := context.WithTimeout(ctx, d.Timeout(method))
	defer cancel()

	done := make(chan attemptResult, 1)
	partial := make(chan *backend.Artifact, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		art, err := b.Generate(actx, req)
		if err != nil {
			done <- attemptResult{err: err}
			return
		}
		if art.Kind == "" {
			art.Kind = req.Kind
		}
		f, ok := b.(backend.Finisher)
		if !ok {
			done <- attemptResult{art: art}
			return
		}
		partial <- degraded(art)
		final, err := f.Finish(actx, art)
		if err != nil {
			d.logger.Info("finishing step failed, returning intermediate form",
				zap.String("request_id", req.ID),
				zap.String("method", string(method)),
				zap.Error(err))
			done <- attemptResult{art: degraded(art)}
			return
		}
		if final.Kind == "" {
			final.Kind = req.Kind
		}
		done <- attemptResult{art: final}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		return r.art, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case art := <-partial:
			d.logger.Info("finishing step timed out, returning intermediate form",
				zap.String("request_id", req.ID),
				zap.String("method", string(method)))
			return art, nil
		default:
		}
		return nil, fmt.Errorf("%s: %w after %s", method, ErrAttemptTimeout, d.Timeout(method))
	}
}

func degraded(art *backend.Artifact) *backend.Artifact {
	cp := *art
	cp.Degraded = true
	return &cp
}

func attemptOutcome(art *backend.Artifact, err error) string {
	switch {
	case err == nil && art.Degraded:
		return "degraded"
	case err == nil:
		return "success"
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func exhaustedError(attempts []Attempt) error {
	if len(attempts) == 0 {
		return fmt.Errorf("%w: no methods to try", ErrExhausted)
	}
	reasons := make([]string, 0, len(attempts))
	for _, a := range attempts {
		reasons = append(reasons, a.Err.Error())
	}
	return fmt.Errorf("%w: %s", ErrExhausted, strings.Join(reasons, "; "))
}
