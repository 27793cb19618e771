// Package status emits progress, results and errors to sessions, dropping
// anything addressed to a request that is no longer the session's current
// one.
package status

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"diagramflow/internal/protocol"
)

// Sender delivers a message to a session.
type Sender interface {
	Send(sessionID string, msg *protocol.Message) error
}

// Ticket identifies the request a message belongs to and the epoch it was
// issued in.
type Ticket struct {
	SessionID string
	RequestID string
	Epoch     uint64
}

type sessionEpoch struct {
	mu      sync.Mutex
	current uint64
}

// Reporter gates messages by epoch. Epoch values come from a single
// process-wide counter so a ticket from a disconnected session can never
// match a later session reusing the same id.
type Reporter struct {
	sender Sender
	logger *zap.Logger
	seq    atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*sessionEpoch
}

// NewReporter creates a reporter delivering through sender.
func NewReporter(sender Sender, logger *zap.Logger) *Reporter {
	return &Reporter{
		sender:   sender,
		logger:   logger.Named("status"),
		sessions: make(map[string]*sessionEpoch),
	}
}

func (r *Reporter) session(sessionID string) *sessionEpoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionEpoch{}
		r.sessions[sessionID] = s
	}
	return s
}

// Advance starts a new epoch for the session and returns it. Any gated
// send in progress for the session finishes before Advance returns; every
// later send with an older ticket is dropped.
func (r *Reporter) Advance(sessionID string) uint64 {
	s := r.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r.seq.Add(1)
	return s.current
}

// Current returns the session's current epoch, zero if none was issued.
func (r *Reporter) Current(sessionID string) uint64 {
	s := r.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Forget drops epoch state for a closed session.
func (r *Reporter) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Status sends a status_update for the ticket's request.
func (r *Reporter) Status(t Ticket, phase, text string, progress *int) bool {
	return r.gated(t, protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
		Status:    phase,
		Text:      text,
		Progress:  progress,
		RequestID: t.RequestID,
	})
}

// Result sends a diagram_response followed by a complete status, as one
// uninterruptible unit.
func (r *Reporter) Result(t Ticket, payload protocol.DiagramResponsePayload) bool {
	payload.RequestID = t.RequestID
	hundred := 100
	return r.gatedMany(t,
		outbound{protocol.TypeDiagramResponse, payload},
		outbound{protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
			Status:    protocol.StatusComplete,
			Text:      "Diagram ready",
			Progress:  &hundred,
			RequestID: t.RequestID,
		}},
	)
}

// Error sends an error_response followed by an error status.
func (r *Reporter) Error(t Ticket, code, message string) bool {
	return r.gatedMany(t,
		outbound{protocol.TypeErrorResponse, protocol.ErrorResponsePayload{
			ErrorCode:    code,
			ErrorMessage: message,
			RequestID:    t.RequestID,
		}},
		outbound{protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
			Status:    protocol.StatusError,
			Text:      message,
			RequestID: t.RequestID,
		}},
	)
}

// Reject sends an error_response for a request that never became a task.
func (r *Reporter) Reject(sessionID, requestID, code, message string) {
	msg, err := protocol.NewErrorMessage(sessionID, requestID, code, message)
	if err != nil {
		r.logger.Error("failed to build error response", zap.Error(err))
		return
	}
	r.send(sessionID, msg)
}

// Cancelled acknowledges a cancellation with an idle status.
func (r *Reporter) Cancelled(sessionID, requestID string) {
	msg, err := protocol.NewMessage(protocol.TypeStatusUpdate, sessionID, protocol.StatusUpdatePayload{
		Status:    protocol.StatusIdle,
		Text:      "Request cancelled",
		RequestID: requestID,
	})
	if err != nil {
		r.logger.Error("failed to build cancel status", zap.Error(err))
		return
	}
	r.send(sessionID, msg.Correlate(requestID))
}

type outbound struct {
	msgType string
	payload interface{}
}

func (r *Reporter) gated(t Ticket, msgType string, payload interface{}) bool {
	return r.gatedMany(t, outbound{msgType, payload})
}

func (r *Reporter) gatedMany(t Ticket, msgs ...outbound) bool {
	built := make([]*protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		msg, err := protocol.NewMessage(m.msgType, t.SessionID, m.payload)
		if err != nil {
			r.logger.Error("failed to build message", zap.String("type", m.msgType), zap.Error(err))
			return false
		}
		built = append(built, msg.Correlate(t.RequestID))
	}

	s := r.session(t.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t.Epoch {
		r.logger.Debug("dropping stale message",
			zap.String("session_id", t.SessionID),
			zap.String("request_id", t.RequestID),
			zap.Uint64("epoch", t.Epoch),
			zap.Uint64("current", s.current))
		return false
	}
	for _, msg := range built {
		if !r.send(t.SessionID, msg) {
			return false
		}
	}
	return true
}

func (r *Reporter) send(sessionID string, msg *protocol.Message) bool {
	if err := r.sender.Send(sessionID, msg); err != nil {
		r.logger.Debug("send failed",
			zap.String("session_id", sessionID),
			zap.String("type", msg.Type),
			zap.Error(err))
		return false
	}
	return true
}
