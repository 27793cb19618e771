// Package session tracks connected clients and delivers messages to them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"diagramflow/internal/metrics"
	"diagramflow/internal/protocol"
)

const defaultHistorySize = 100

var (
	// ErrSessionExists is returned by Register when the id belongs to another
	// live connection.
	ErrSessionExists = errors.New("session already registered")
	// ErrConnectionGone is returned when a message cannot reach a session.
	ErrConnectionGone = errors.New("connection gone")
)

// Conn is the transport side of a session. Send must not block.
type Conn interface {
	Send(msg *protocol.Message) error
	Alive() bool
}

// Canceller is told about a session before its entry is discarded.
type Canceller func(sessionID string)

// Manager is the registry of connected sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*managedSession
	historySize int
	canceller   Canceller
	metrics     metrics.Recorder
	logger      *zap.Logger
}

type managedSession struct {
	conn    Conn
	history *History[Event]
	// closing is set while UnregisterConn cancels the session's work and
	// closed once the entry is gone.
	closing chan struct{}

	mu      sync.Mutex
	session Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistorySize sets how many delivered messages are remembered per
// session.
func WithHistorySize(n int) Option {
	return func(m *Manager) { m.historySize = n }
}

// WithMetrics reports the session count to r.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates an empty session registry.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*managedSession),
		historySize: defaultHistorySize,
		metrics:     metrics.Nop(),
		logger:      logger.Named("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCanceller installs the hook run by Unregister before a session's entry
// is discarded.
func (m *Manager) SetCanceller(c Canceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// Register adds a session. Re-registering an id whose previous connection
// is no longer alive replaces it and keeps its history.
func (m *Manager) Register(sessionID string, conn Conn, meta Meta) error {
	m.mu.Lock()
	existing, ok := m.sessions[sessionID]
	for ok && existing.closing != nil {
		// Wait for the old connection's teardown so its cancellation
		// cannot reach work started by this one.
		closing := existing.closing
		m.mu.Unlock()
		<-closing
		m.mu.Lock()
		existing, ok = m.sessions[sessionID]
	}
	if ok && existing.conn != conn && existing.conn.Alive() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	ms := &managedSession{
		conn: conn,
		session: Session{
			ID:          sessionID,
			UserID:      meta.UserID,
			State:       StateOpen,
			RemoteAddr:  meta.RemoteAddr,
			ConnectedAt: time.Now().UTC(),
		},
	}
	if ok {
		ms.history = existing.history
		existing.mu.Lock()
		ms.session.Requests = existing.session.Requests
		ms.session.LastRequestAt = existing.session.LastRequestAt
		existing.mu.Unlock()
	} else {
		ms.history = NewHistory[Event](m.historySize)
	}
	m.sessions[sessionID] = ms
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	m.logger.Info("session registered",
		zap.String("session_id", sessionID),
		zap.String("user_id", meta.UserID),
		zap.Bool("reconnect", ok))
	return nil
}

// Unregister cancels the session's work and then discards it.
func (m *Manager) Unregister(sessionID string) {
	m.cancel(sessionID)

	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.closed(sessionID, ms, n)
	}
}

// UnregisterConn unregisters the session only if it still belongs to conn.
// It reports whether the session was removed.
// Registration of the same id waits until the removal is complete.
func (m *Manager) UnregisterConn(sessionID string, conn Conn) bool {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.conn != conn || ms.closing != nil {
		m.mu.Unlock()
		return false
	}
	ms.closing = make(chan struct{})
	m.mu.Unlock()

	m.cancel(sessionID)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()
	close(ms.closing)

	m.closed(sessionID, ms, n)
	return true
}

func (m *Manager) cancel(sessionID string) {
	m.mu.RLock()
	c := m.canceller
	m.mu.RUnlock()
	if c != nil {
		c(sessionID)
	}
}

func (m *Manager) closed(sessionID string, ms *managedSession, n int) {
	ms.mu.Lock()
	ms.session.State = StateClosed
	ms.mu.Unlock()
	m.metrics.SetSessions(n)
	m.logger.Info("session unregistered", zap.String("session_id", sessionID))
}

// Send delivers msg to one session.
func (m *Manager) Send(sessionID string, msg *protocol.Message) error {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, sessionID)
	}
	if err := ms.conn.Send(msg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionGone, sessionID, err)
	}
	ms.history.Add(Event{Type: msg.Type, CorrelationID: msg.CorrelationID, Timestamp: time.Now().UTC()})
	return nil
}

// Broadcast sends msg to every session not listed in exclude and returns
// how many accepted it.
func (m *Manager) Broadcast(msg *protocol.Message, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	m.mu.RLock()
	targets := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		if !skip[id] {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if err := m.Send(id, msg); err != nil {
			m.logger.Debug("broadcast skipped session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Get returns a snapshot of a session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.session, true
}

// List returns snapshots of all sessions, oldest connection first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		ms.mu.Lock()
		result = append(result, ms.session)
		ms.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// RecordRequest counts an accepted request for the session.
func (m *Manager) RecordRequest(sessionID string) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ms.mu.Lock()
	ms.session.Requests++
	ms.session.LastRequestAt = time.Now().UTC()
	ms.mu.Unlock()
}

// History returns the messages recently delivered to a session.
func (m *Manager) History(sessionID string) ([]Event, bool) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ms.history.Snapshot(), true
}
