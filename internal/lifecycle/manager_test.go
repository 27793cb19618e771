package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
	"diagramflow/internal/dispatch"
	"diagramflow/internal/protocol"
	"diagramflow/internal/routing"
	"diagramflow/internal/status"
	"diagramflow/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type outbox struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (o *outbox) Send(_ string, msg *protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) all() []*protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*protocol.Message(nil), o.msgs...)
}

func (o *outbox) ofType(msgType string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range o.all() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (o *outbox) forRequest(requestID string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range o.all() {
		if m.CorrelationID == requestID {
			out = append(out, m)
		}
	}
	return out
}

func statusPayload(t *testing.T, m *protocol.Message) protocol.StatusUpdatePayload {
	t.Helper()
	var p protocol.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	return p
}

type fixedRouter struct {
	strat routing.Strategy
}

func (r fixedRouter) Route(context.Context, backend.Request) routing.Strategy { return r.strat }

type dispatchFunc func(ctx context.Context, req backend.Request, strat routing.Strategy, progress dispatch.ProgressFunc) dispatch.Result

func (f dispatchFunc) Dispatch(ctx context.Context, req backend.Request, strat routing.Strategy, progress dispatch.ProgressFunc) dispatch.Result {
	return f(ctx, req, strat, progress)
}

func completed(method catalog.Method) dispatch.Result {
	return dispatch.Result{
		Outcome:        dispatch.OutcomeCompleted,
		Method:         method,
		IntendedMethod: method,
		Artifact:       &backend.Artifact{Kind: "pyramid", Content: "<svg/>", ContentType: backend.ContentTypeSVG},
		Elapsed:        5 * time.Millisecond,
	}
}

// blocker waits for release (ignoring cancellation, like a backend that
// cannot be interrupted) and then reports success.
type blocker struct {
	release chan struct{}
	entered chan string
	causes  chan error
}

func newBlocker() *blocker {
	return &blocker{
		release: make(chan struct{}),
		entered: make(chan string, 128),
		causes:  make(chan error, 128),
	}
}

func (b *blocker) Dispatch(ctx context.Context, req backend.Request, strat routing.Strategy, progress dispatch.ProgressFunc) dispatch.Result {
	b.entered <- req.ID
	progress(strat.Primary, 0, 1)
	select {
	case <-b.release:
	case <-ctx.Done():
		b.causes <- context.Cause(ctx)
		<-b.release
	}
	return completed(strat.Primary)
}

// waitEntered blocks until the dispatcher has been reached by request id.
func (b *blocker) waitEntered(t *testing.T, id string) {
	t.Helper()
	for {
		select {
		case got := <-b.entered:
			if got == id {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("request %s never reached the dispatcher", id)
		}
	}
}

var templateStrategy = routing.Strategy{
	Primary:    catalog.MethodTemplate,
	Confidence: 0.95,
	Quality:    catalog.QualityHigh,
	Source:     routing.SourceRule,
	TargetKind: "pyramid",
}

func newManager(d Dispatcher, opts ...Option) (*Manager, *outbox) {
	box := &outbox{}
	rep := status.NewReporter(box, zap.NewNop())
	return NewManager(fixedRouter{templateStrategy}, d, rep, zap.NewNop(), opts...), box
}

func request(session, id string) backend.Request {
	return backend.Request{ID: id, SessionID: session, Kind: "pyramid", Content: "a, b, c"}
}

func waitDone(t *testing.T, tasks ...*ActiveTask) {
	t.Helper()
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("task %s did not finish", task.Request.ID)
		}
	}
}

func TestSubmit_CompletesWithOrderedStatus(t *testing.T) {
	m, box := newManager(dispatchFunc(func(_ context.Context, _ backend.Request, strat routing.Strategy, progress dispatch.ProgressFunc) dispatch.Result {
		progress(strat.Primary, 0, 1)
		return completed(strat.Primary)
	}))

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	waitDone(t, task)

	msgs := box.all()
	require.Len(t, msgs, 5)
	assert.Equal(t, protocol.StatusThinking, statusPayload(t, msgs[0]).Status)
	assert.Equal(t, protocol.StatusThinking, statusPayload(t, msgs[1]).Status)
	assert.Equal(t, protocol.StatusGenerating, statusPayload(t, msgs[2]).Status)
	assert.Equal(t, "Generating via template", statusPayload(t, msgs[2]).Text)
	assert.Equal(t, protocol.TypeDiagramResponse, msgs[3].Type)
	assert.Equal(t, protocol.StatusComplete, statusPayload(t, msgs[4]).Status)
	for _, msg := range msgs {
		assert.Equal(t, "r1", msg.CorrelationID)
	}

	var resp protocol.DiagramResponsePayload
	require.NoError(t, json.Unmarshal(msgs[3].Payload, &resp))
	assert.Equal(t, "template", resp.Metadata.GenerationMethod)
	assert.Equal(t, "rule", resp.Metadata.RoutingSource)
	assert.Equal(t, "high", resp.Metadata.QualityTier)
	assert.False(t, resp.Metadata.FallbackUsed)
	assert.Empty(t, resp.Metadata.IntendedMethod)
	assert.Empty(t, resp.Metadata.Attempts)

	assert.Equal(t, StateIdle, m.State("s1"))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSubmit_SupersedesRunningTask(t *testing.T) {
	b := newBlocker()
	m, box := newManager(b)

	first, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	b.waitEntered(t, "r1")
	second, err := m.Submit(request("s1", "r2"))
	require.NoError(t, err)

	assert.ErrorIs(t, <-b.causes, ErrSuperseded)
	active, ok := m.Active("s1")
	require.True(t, ok)
	assert.Equal(t, "r2", active.Request.ID)

	close(b.release)
	waitDone(t, first, second)

	responses := box.ofType(protocol.TypeDiagramResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "r2", responses[0].CorrelationID)

	// The superseded request ends with an idle acknowledgement only.
	for _, msg := range box.forRequest("r1") {
		assert.Equal(t, protocol.TypeStatusUpdate, msg.Type)
		assert.NotEqual(t, protocol.StatusComplete, statusPayload(t, msg).Status)
	}
	r1 := box.forRequest("r1")
	assert.Equal(t, protocol.StatusIdle, statusPayload(t, r1[len(r1)-1]).Status)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSubmit_BurstKeepsOneActiveTask(t *testing.T) {
	b := newBlocker()
	m, box := newManager(b)

	const n = 50
	tasks := make([]*ActiveTask, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := m.Submit(request("s1", fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
			tasks[i] = task
			assert.LessOrEqual(t, m.ActiveCount(), 1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.ActiveCount())
	active, ok := m.Active("s1")
	require.True(t, ok)

	close(b.release)
	waitDone(t, tasks...)

	responses := box.ofType(protocol.TypeDiagramResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, active.Request.ID, responses[0].CorrelationID)
	assert.Len(t, box.ofType(protocol.TypeErrorResponse), 0)
	assert.Equal(t, StateIdle, m.State("s1"))
}

func TestSubmit_SessionsAreIndependent(t *testing.T) {
	blk := newBlocker()
	m, box := newManager(blk)

	a, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	b, err := m.Submit(request("s2", "r2"))
	require.NoError(t, err)
	assert.Equal(t, 2, m.ActiveCount())

	close(blk.release)
	waitDone(t, a, b)
	assert.Len(t, box.ofType(protocol.TypeDiagramResponse), 2)
}

type fakeBackend struct {
	method catalog.Method
	err    error
}

func (f fakeBackend) Name() catalog.Method { return f.method }
func (f fakeBackend) Supports(string) bool { return true }
func (f fakeBackend) Generate(context.Context, backend.Request) (*backend.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Artifact{Content: "<svg>" + string(f.method) + "</svg>", ContentType: backend.ContentTypeSVG}, nil
}

func chainManager(backends ...backend.Backend) (*Manager, *outbox) {
	box := &outbox{}
	rep := status.NewReporter(box, zap.NewNop())
	d := dispatch.New(backend.NewRegistry(backends...), zap.NewNop())
	strat := routing.Strategy{
		Primary:    catalog.MethodTemplate,
		Fallbacks:  []catalog.Method{catalog.MethodChart, catalog.MethodMermaid},
		Confidence: 0.95,
		Source:     routing.SourceRule,
		TargetKind: "pyramid",
	}
	return NewManager(fixedRouter{strat}, d, rep, zap.NewNop()), box
}

func generatingTexts(t *testing.T, box *outbox) []string {
	var texts []string
	for _, msg := range box.ofType(protocol.TypeStatusUpdate) {
		if p := statusPayload(t, msg); p.Status == protocol.StatusGenerating {
			texts = append(texts, p.Text)
		}
	}
	return texts
}

func TestFallbackChain_LastMethodSucceeds(t *testing.T) {
	m, box := chainManager(
		fakeBackend{method: catalog.MethodTemplate, err: errors.New("template failed")},
		fakeBackend{method: catalog.MethodChart, err: errors.New("chart failed")},
		fakeBackend{method: catalog.MethodMermaid},
	)
	req := request("s1", "r1")
	req.Verbose = true
	task, err := m.Submit(req)
	require.NoError(t, err)
	waitDone(t, task)

	assert.Equal(t, []string{
		"Generating via template",
		"Generating via chart (fallback 1 of 2)",
		"Generating via mermaid (fallback 2 of 2)",
	}, generatingTexts(t, box))

	responses := box.ofType(protocol.TypeDiagramResponse)
	require.Len(t, responses, 1)
	var resp protocol.DiagramResponsePayload
	require.NoError(t, json.Unmarshal(responses[0].Payload, &resp))
	assert.Equal(t, "mermaid", resp.Metadata.GenerationMethod)
	assert.True(t, resp.Metadata.FallbackUsed)
	assert.Equal(t, "template", resp.Metadata.IntendedMethod)
	require.Len(t, resp.Metadata.Attempts, 3)
	assert.Contains(t, resp.Metadata.Attempts[0].Error, "template failed")
	assert.Empty(t, resp.Metadata.Attempts[2].Error)
}

func TestFallbackChain_AllFail(t *testing.T) {
	m, box := chainManager(
		fakeBackend{method: catalog.MethodTemplate, err: errors.New("reason A")},
		fakeBackend{method: catalog.MethodChart, err: errors.New("reason B")},
		fakeBackend{method: catalog.MethodMermaid, err: errors.New("reason C")},
	)
	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	waitDone(t, task)

	errs := box.ofType(protocol.TypeErrorResponse)
	require.Len(t, errs, 1)
	var p protocol.ErrorResponsePayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &p))
	assert.Equal(t, protocol.ErrGenerationFailed, p.ErrorCode)
	assert.Equal(t, "r1", p.RequestID)
	for _, reason := range []string{"reason A", "reason B", "reason C"} {
		assert.Contains(t, p.ErrorMessage, reason)
	}

	msgs := box.all()
	assert.Equal(t, protocol.StatusError, statusPayload(t, msgs[len(msgs)-1]).Status)
	assert.Empty(t, box.ofType(protocol.TypeDiagramResponse))
	assert.Equal(t, StateIdle, m.State("s1"))
}

func TestCancel_NoActiveTaskIsNoop(t *testing.T) {
	m, box := newManager(dispatchFunc(func(context.Context, backend.Request, routing.Strategy, dispatch.ProgressFunc) dispatch.Result {
		return completed(catalog.MethodTemplate)
	}))

	assert.False(t, m.Cancel("unknown"))
	assert.Equal(t, StateIdle, m.State("unknown"))

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	waitDone(t, task)
	before := len(box.all())

	assert.False(t, m.Cancel("s1"))
	assert.Equal(t, before, len(box.all()))
	assert.Equal(t, StateIdle, m.State("s1"))
}

func TestCancel_ActiveTask(t *testing.T) {
	b := newBlocker()
	m, box := newManager(b)

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	b.waitEntered(t, "r1")
	assert.Equal(t, StateDispatching, m.State("s1"))

	require.True(t, m.Cancel("s1"))
	assert.ErrorIs(t, <-b.causes, ErrCancelled)
	assert.Equal(t, StateIdle, m.State("s1"))
	assert.Equal(t, 0, m.ActiveCount())

	close(b.release)
	waitDone(t, task)

	assert.Empty(t, box.ofType(protocol.TypeDiagramResponse))
	assert.Empty(t, box.ofType(protocol.TypeErrorResponse))
	msgs := box.all()
	last := msgs[len(msgs)-1]
	assert.Equal(t, protocol.StatusIdle, statusPayload(t, last).Status)
	assert.Equal(t, "r1", last.CorrelationID)
}

func TestCancelSession_StopsTaskSilently(t *testing.T) {
	b := newBlocker()
	m, box := newManager(b)

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	b.waitEntered(t, "r1")

	m.CancelSession("s1")
	assert.ErrorIs(t, <-b.causes, ErrDisconnected)
	_, ok := m.Active("s1")
	assert.False(t, ok)
	count := len(box.all())

	close(b.release)
	waitDone(t, task)
	assert.Equal(t, count, len(box.all()), "no messages after disconnect")
	assert.Equal(t, 0, m.ActiveCount())
}

func TestShutdown(t *testing.T) {
	b := newBlocker()
	m, _ := newManager(b)

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	b.waitEntered(t, "r1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Shutdown(ctx), "task still blocked")
	assert.ErrorIs(t, <-b.causes, ErrShuttingDown)

	_, err = m.Submit(request("s1", "r2"))
	assert.ErrorIs(t, err, ErrShuttingDown)

	close(b.release)
	waitDone(t, task)
	assert.NoError(t, m.Shutdown(context.Background()))
}

type memoryStore struct {
	mu   sync.Mutex
	recs []storage.Record
	err  error
}

func (s *memoryStore) Store(_ context.Context, rec storage.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.recs = append(s.recs, rec)
	return fmt.Sprintf("http://example/artifacts/%d", len(s.recs)), nil
}

func TestArtifactStore(t *testing.T) {
	store := &memoryStore{}
	m, box := newManager(dispatchFunc(func(context.Context, backend.Request, routing.Strategy, dispatch.ProgressFunc) dispatch.Result {
		return completed(catalog.MethodTemplate)
	}), WithArtifactStore(store))

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	waitDone(t, task)

	var resp protocol.DiagramResponsePayload
	responses := box.ofType(protocol.TypeDiagramResponse)
	require.Len(t, responses, 1)
	require.NoError(t, json.Unmarshal(responses[0].Payload, &resp))
	assert.Equal(t, "http://example/artifacts/1", resp.Metadata.ArtifactURL)
	require.Len(t, store.recs, 1)
	assert.Equal(t, "r1", store.recs[0].RequestID)
	assert.Equal(t, "template", store.recs[0].Method)
}

func TestArtifactStoreFailureStillDelivers(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	m, box := newManager(dispatchFunc(func(context.Context, backend.Request, routing.Strategy, dispatch.ProgressFunc) dispatch.Result {
		return completed(catalog.MethodTemplate)
	}), WithArtifactStore(store))

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	waitDone(t, task)
	assert.Len(t, box.ofType(protocol.TypeDiagramResponse), 1)
}

type countingRouter struct {
	calls atomic.Int32
}

func (r *countingRouter) Route(ctx context.Context, _ backend.Request) routing.Strategy {
	r.calls.Add(1)
	return templateStrategy
}

func TestActiveTaskRecordsStrategy(t *testing.T) {
	release := make(chan struct{})
	box := &outbox{}
	router := &countingRouter{}
	started := make(chan struct{})
	m := NewManager(router, dispatchFunc(func(ctx context.Context, _ backend.Request, strat routing.Strategy, _ dispatch.ProgressFunc) dispatch.Result {
		close(started)
		<-release
		return completed(strat.Primary)
	}), status.NewReporter(box, zap.NewNop()), zap.NewNop())

	task, err := m.Submit(request("s1", "r1"))
	require.NoError(t, err)
	<-started

	active, ok := m.Active("s1")
	require.True(t, ok)
	assert.Equal(t, catalog.MethodTemplate, active.Strategy.Primary)
	assert.Equal(t, int32(1), router.calls.Load())

	close(release)
	waitDone(t, task)
}
