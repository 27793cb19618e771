package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"diagramflow/internal/protocol"
)

type fakeConn struct {
	mu    sync.Mutex
	msgs  []*protocol.Message
	dead  atomic.Bool
	fails bool
}

func (c *fakeConn) Send(msg *protocol.Message) error {
	if c.fails {
		return errors.New("send buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Alive() bool { return !c.dead.Load() }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func ping(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypePong, "", nil)
	require.NoError(t, err)
	return msg
}

func TestManager_RegisterAndSend(t *testing.T) {
	m := NewManager(zap.NewNop())
	c := &fakeConn{}
	require.NoError(t, m.Register("s1", c, Meta{UserID: "u1", RemoteAddr: "10.0.0.1"}))

	require.NoError(t, m.Send("s1", ping(t).Correlate("r1")))
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 1, m.Count())

	sess, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, StateOpen, sess.State)

	history, ok := m.History("s1")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, protocol.TypePong, history[0].Type)
	assert.Equal(t, "r1", history[0].CorrelationID)
}

func TestManager_RegisterConflictWithLiveConn(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register("s1", &fakeConn{}, Meta{}))

	err := m.Register("s1", &fakeConn{}, Meta{})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestManager_ReconnectReplacesDeadConn(t *testing.T) {
	m := NewManager(zap.NewNop())
	old := &fakeConn{}
	require.NoError(t, m.Register("s1", old, Meta{}))
	m.RecordRequest("s1")
	old.dead.Store(true)

	fresh := &fakeConn{}
	require.NoError(t, m.Register("s1", fresh, Meta{}))
	require.NoError(t, m.Send("s1", ping(t)))
	assert.Equal(t, 0, old.count())
	assert.Equal(t, 1, fresh.count())

	sess, _ := m.Get("s1")
	assert.Equal(t, 1, sess.Requests, "request count survives a reconnect")

	// The old read loop exiting must not evict the new connection.
	assert.False(t, m.UnregisterConn("s1", old))
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.UnregisterConn("s1", fresh))
	assert.Equal(t, 0, m.Count())
}

func TestManager_SendUnknownSession(t *testing.T) {
	m := NewManager(zap.NewNop())
	err := m.Send("missing", ping(t))
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestManager_SendFailureIsConnectionGone(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register("s1", &fakeConn{fails: true}, Meta{}))
	assert.ErrorIs(t, m.Send("s1", ping(t)), ErrConnectionGone)
}

func TestManager_UnregisterCancelsBeforeDiscard(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register("s1", &fakeConn{}, Meta{}))

	var registeredDuringCancel bool
	m.SetCanceller(func(id string) {
		_, registeredDuringCancel = m.Get(id)
	})
	m.Unregister("s1")

	assert.True(t, registeredDuringCancel)
	_, ok := m.Get("s1")
	assert.False(t, ok)
}

func TestManager_ReconnectWaitsForTeardown(t *testing.T) {
	m := NewManager(zap.NewNop())
	old := &fakeConn{}
	require.NoError(t, m.Register("s1", old, Meta{}))
	old.dead.Store(true)

	entered := make(chan struct{})
	release := make(chan struct{})
	var cancels atomic.Int32
	m.SetCanceller(func(string) {
		cancels.Add(1)
		close(entered)
		<-release
	})

	unregistered := make(chan bool)
	go func() { unregistered <- m.UnregisterConn("s1", old) }()
	<-entered

	fresh := &fakeConn{}
	registered := make(chan error)
	go func() { registered <- m.Register("s1", fresh, Meta{}) }()

	select {
	case <-registered:
		t.Fatal("reconnect registered while the old connection was still cancelling")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.True(t, <-unregistered)
	require.NoError(t, <-registered)

	assert.Equal(t, int32(1), cancels.Load())
	require.NoError(t, m.Send("s1", ping(t)))
	assert.Equal(t, 1, fresh.count())
	assert.False(t, m.UnregisterConn("s1", old))
	assert.Equal(t, int32(1), cancels.Load(), "a stale connection cannot cancel the new one's work")
}

func TestManager_UnregisterUnknownStillCancels(t *testing.T) {
	m := NewManager(zap.NewNop())
	var called string
	m.SetCanceller(func(id string) { called = id })
	m.Unregister("ghost")
	assert.Equal(t, "ghost", called)
}

func TestManager_Broadcast(t *testing.T) {
	m := NewManager(zap.NewNop())
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{fails: true}
	require.NoError(t, m.Register("a", a, Meta{}))
	require.NoError(t, m.Register("b", b, Meta{}))
	require.NoError(t, m.Register("c", c, Meta{}))

	assert.Equal(t, 1, m.Broadcast(ping(t), "a"))
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestManager_ListAndRecordRequest(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.Empty(t, m.List())

	require.NoError(t, m.Register("s1", &fakeConn{}, Meta{}))
	require.NoError(t, m.Register("s2", &fakeConn{}, Meta{}))
	m.RecordRequest("s2")
	m.RecordRequest("s2")
	m.RecordRequest("missing")

	list := m.List()
	require.Len(t, list, 2)
	for _, s := range list {
		if s.ID == "s2" {
			assert.Equal(t, 2, s.Requests)
			assert.False(t, s.LastRequestAt.IsZero())
		}
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	m := NewManager(zap.NewNop(), WithHistorySize(3))
	require.NoError(t, m.Register("s1", &fakeConn{}, Meta{}))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Send("s1", ping(t)))
	}
	history, _ := m.History("s1")
	assert.Len(t, history, 3)

	_, ok := m.History("missing")
	assert.False(t, ok)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(zap.NewNop())
	msg := ping(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			c := &fakeConn{}
			_ = m.Register(id, c, Meta{})
			_ = m.Send(id, msg)
			m.Broadcast(msg)
			m.UnregisterConn(id, c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
