// Package lifecycle owns the per-session request state machine: at most one
// generation runs per session, a newer request supersedes the running one,
// and every request ends in exactly one terminal message.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
	"diagramflow/internal/dispatch"
	"diagramflow/internal/metrics"
	"diagramflow/internal/protocol"
	"diagramflow/internal/routing"
	"diagramflow/internal/status"
	"diagramflow/internal/storage"
)

// Cancellation causes attached to a task's context.
var (
	ErrSuperseded   = errors.New("superseded by a newer request")
	ErrCancelled    = errors.New("cancelled by client")
	ErrDisconnected = errors.New("session disconnected")
	ErrShuttingDown = errors.New("server shutting down")
)

// State is a session's position in the request state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Router computes a strategy for a request.
type Router interface {
	Route(ctx context.Context, req backend.Request) routing.Strategy
}

// Dispatcher executes a strategy.
type Dispatcher interface {
	Dispatch(ctx context.Context, req backend.Request, strat routing.Strategy, progress dispatch.ProgressFunc) dispatch.Result
}

// Reporter delivers epoch-gated messages to sessions.
type Reporter interface {
	Advance(sessionID string) uint64
	Forget(sessionID string)
	Status(t status.Ticket, phase, text string, progress *int) bool
	Result(t status.Ticket, payload protocol.DiagramResponsePayload) bool
	Error(t status.Ticket, code, message string) bool
	Cancelled(sessionID, requestID string)
}

// ArtifactStore persists a finished diagram and returns its URL.
type ArtifactStore interface {
	Store(ctx context.Context, rec storage.Record) (string, error)
}

// ActiveTask is the in-flight generation of a session.
type ActiveTask struct {
	Request  backend.Request
	Strategy routing.Strategy
	Epoch    uint64
	Started  time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Done is closed when the task's goroutine has exited.
func (t *ActiveTask) Done() <-chan struct{} { return t.done }

type sessionState struct {
	mu     sync.Mutex
	active *ActiveTask
}

// Manager serializes all task mutations of a session under that session's
// lock.
type Manager struct {
	router     Router
	dispatcher Dispatcher
	reporter   Reporter
	store      ArtifactStore
	metrics    metrics.Recorder
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	wg     sync.WaitGroup
	active atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithArtifactStore stores every completed artifact and adds its URL to the
// response metadata.
func WithArtifactStore(s ArtifactStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics records request outcomes and the active task count on r.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a lifecycle manager.
func NewManager(router Router, dispatcher Dispatcher, reporter Reporter, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		router:     router,
		dispatcher: dispatcher,
		reporter:   reporter,
		metrics:    metrics.Nop(),
		logger:     logger.Named("lifecycle"),
		sessions:   make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lookup(sessionID string) (*sessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[sessionID]
	return ss, ok
}

// Submit starts a generation for req, superseding the session's running
// task if there is one.
func (m *Manager) Submit(req backend.Request) (*ActiveTask, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	ss, ok := m.sessions[req.SessionID]
	if !ok {
		ss = &sessionState{}
		m.sessions[req.SessionID] = ss
	}
	m.wg.Add(1)
	m.mu.Unlock()

	ctx, cancel := context.WithCancelCause(context.Background())
	task := &ActiveTask{
		Request: req,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ss.mu.Lock()
	// The new epoch invalidates the old task's ticket before its context is
	// cancelled.
	task.Epoch = m.reporter.Advance(req.SessionID)
	if old := ss.active; old != nil {
		old.cancel(ErrSuperseded)
		m.reporter.Cancelled(req.SessionID, old.Request.ID)
		m.metrics.ObserveRequest(string(StateCancelled), time.Since(old.Started))
		m.logger.Info("request superseded",
			zap.String("session_id", req.SessionID),
			zap.String("request_id", old.Request.ID),
			zap.String("by", req.ID))
	} else {
		m.metrics.SetActiveTasks(int(m.active.Add(1)))
	}
	ss.active = task
	ss.mu.Unlock()

	m.logger.Debug("request accepted",
		zap.String("session_id", req.SessionID),
		zap.String("request_id", req.ID),
		zap.String("kind", req.Kind),
		zap.Uint64("epoch", task.Epoch))

	go m.run(ctx, ss, task)
	return task, nil
}

// Cancel cancels the session's running task and acknowledges with an idle
// status. It reports whether there was a task to cancel.
func (m *Manager) Cancel(sessionID string) bool {
	ss, ok := m.lookup(sessionID)
	if !ok {
		return false
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	task := ss.active
	if task == nil {
		return false
	}
	m.reporter.Advance(sessionID)
	task.cancel(ErrCancelled)
	ss.active = nil
	m.reporter.Cancelled(sessionID, task.Request.ID)
	m.released(StateCancelled, task)

	m.logger.Info("request cancelled",
		zap.String("session_id", sessionID),
		zap.String("request_id", task.Request.ID))
	return true
}

// CancelSession cancels any running task of a disconnecting session and
// forgets the session. No message is sent.
func (m *Manager) CancelSession(sessionID string) {
	ss, ok := m.lookup(sessionID)
	if ok {
		ss.mu.Lock()
		if task := ss.active; task != nil {
			m.reporter.Advance(sessionID)
			task.cancel(ErrDisconnected)
			ss.active = nil
			m.released(StateCancelled, task)
			m.logger.Info("request cancelled by disconnect",
				zap.String("session_id", sessionID),
				zap.String("request_id", task.Request.ID))
		}
		ss.mu.Unlock()
	}

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; ok && cur == ss {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	m.reporter.Forget(sessionID)
}

// Active returns a copy of the session's running task.
func (m *Manager) Active(sessionID string) (ActiveTask, bool) {
	ss, ok := m.lookup(sessionID)
	if !ok {
		return ActiveTask{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.active == nil {
		return ActiveTask{}, false
	}
	return *ss.active, true
}

// State returns StateDispatching while a task runs and StateIdle otherwise.
// Terminal states are transient and never observed from outside.
func (m *Manager) State(sessionID string) State {
	if _, ok := m.Active(sessionID); ok {
		return StateDispatching
	}
	return StateIdle
}

// ActiveCount returns the number of running tasks across all sessions.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

// Shutdown stops accepting requests, cancels every running task and waits
// for their goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	states := make(map[string]*sessionState, len(m.sessions))
	for id, ss := range m.sessions {
		states[id] = ss
	}
	m.mu.Unlock()

	for id, ss := range states {
		ss.mu.Lock()
		if task := ss.active; task != nil {
			m.reporter.Advance(id)
			task.cancel(ErrShuttingDown)
			ss.active = nil
			m.released(StateCancelled, task)
		}
		ss.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

// released accounts for a task leaving the active set. Callers hold the
// session lock.
func (m *Manager) released(outcome State, task *ActiveTask) {
	m.metrics.SetActiveTasks(int(m.active.Add(-1)))
	m.metrics.ObserveRequest(string(outcome), time.Since(task.Started))
}

func (m *Manager) run(ctx context.Context, ss *sessionState, task *ActiveTask) {
	defer m.wg.Done()
	defer close(task.done)

	req := task.Request
	ticket := status.Ticket{SessionID: req.SessionID, RequestID: req.ID, Epoch: task.Epoch}

	m.reporter.Status(ticket, protocol.StatusThinking, "Analyzing request", progress(5))
	strat := m.router.Route(ctx, req)
	m.metrics.ObserveRouting(string(strat.Source))

	ss.mu.Lock()
	if ss.active == task {
		task.Strategy = strat
	}
	ss.mu.Unlock()

	if ctx.Err() != nil {
		m.finish(ss, task, dispatch.Result{Outcome: dispatch.OutcomeCancelled})
		return
	}
	m.reporter.Status(ticket, protocol.StatusThinking,
		fmt.Sprintf("Selected %s (confidence %.2f)", strat.Primary, strat.Confidence), progress(15))

	res := m.dispatcher.Dispatch(ctx, req, strat, func(method catalog.Method, attempt, total int) {
		text := fmt.Sprintf("Generating via %s", method)
		if attempt > 0 {
			text = fmt.Sprintf("Generating via %s (fallback %d of %d)", method, attempt, total-1)
		}
		m.reporter.Status(ticket, protocol.StatusGenerating, text, progress(20+70*attempt/total))
	})

	var url string
	if res.Outcome == dispatch.OutcomeCompleted && m.store != nil && ctx.Err() == nil {
		u, err := m.store.Store(ctx, storage.Record{
			SessionID:   req.SessionID,
			RequestID:   req.ID,
			Kind:        res.Artifact.Kind,
			Method:      string(res.Method),
			ContentType: res.Artifact.ContentType,
			Content:     res.Artifact.Content,
		})
		if err != nil {
			m.logger.Warn("failed to store artifact", zap.String("request_id", req.ID), zap.Error(err))
		} else {
			url = u
		}
	}

	m.finishWith(ss, task, strat, res, url)
}

func (m *Manager) finish(ss *sessionState, task *ActiveTask, res dispatch.Result) {
	m.finishWith(ss, task, task.Strategy, res, "")
}

// finishWith delivers the terminal message and removes the task as one step
// under the session lock. A task that is no longer active delivers nothing.
func (m *Manager) finishWith(ss *sessionState, task *ActiveTask, strat routing.Strategy, res dispatch.Result, url string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	defer task.cancel(nil)

	if ss.active != task {
		m.logger.Debug("discarding result of inactive task",
			zap.String("request_id", task.Request.ID),
			zap.String("outcome", string(res.Outcome)))
		return
	}
	ss.active = nil

	ticket := status.Ticket{SessionID: task.Request.SessionID, RequestID: task.Request.ID, Epoch: task.Epoch}
	switch res.Outcome {
	case dispatch.OutcomeCompleted:
		m.reporter.Result(ticket, responsePayload(task.Request, strat, res, url))
		m.released(StateCompleted, task)
		m.logger.Info("request completed",
			zap.String("session_id", ticket.SessionID),
			zap.String("request_id", ticket.RequestID),
			zap.String("method", string(res.Method)),
			zap.Bool("fallback", res.Fallback),
			zap.Bool("cache_hit", res.CacheHit),
			zap.Duration("elapsed", res.Elapsed))
	case dispatch.OutcomeFailed:
		msg := "generation failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		m.reporter.Error(ticket, protocol.ErrGenerationFailed, msg)
		m.released(StateFailed, task)
		m.logger.Warn("request failed",
			zap.String("session_id", ticket.SessionID),
			zap.String("request_id", ticket.RequestID),
			zap.Error(res.Err))
	default:
		// Cancelled while still active means the context was cancelled
		// without going through Cancel; acknowledge it like a cancel.
		m.reporter.Cancelled(ticket.SessionID, ticket.RequestID)
		m.released(StateCancelled, task)
	}
}

func responsePayload(req backend.Request, strat routing.Strategy, res dispatch.Result, url string) protocol.DiagramResponsePayload {
	art := res.Artifact
	meta := protocol.ResponseMetadata{
		GenerationMethod: string(res.Method),
		GenerationTimeMS: res.Elapsed.Milliseconds(),
		CacheHit:         res.CacheHit,
		FallbackUsed:     res.Fallback,
		Confidence:       strat.Confidence,
		QualityTier:      string(strat.Quality),
		RoutingSource:    string(strat.Source),
		Degraded:         art.Degraded,
		ArtifactURL:      url,
	}
	if res.Fallback {
		meta.IntendedMethod = string(res.IntendedMethod)
	}
	if req.Verbose {
		for _, a := range res.Attempts {
			info := protocol.AttemptInfo{Method: string(a.Method), DurationMS: a.Duration.Milliseconds()}
			if a.Err != nil {
				info.Error = a.Err.Error()
			}
			meta.Attempts = append(meta.Attempts, info)
		}
	}
	kind := art.Kind
	if kind == "" {
		kind = req.Kind
	}
	return protocol.DiagramResponsePayload{
		RequestID:   req.ID,
		DiagramType: kind,
		Content:     art.Content,
		ContentType: art.ContentType,
		Metadata:    meta,
	}
}

func progress(p int) *int {
	return &p
}
