package session

import "time"

// State is the connection state of a session.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Meta is supplied by the transport when a connection registers.
type Meta struct {
	UserID     string
	RemoteAddr string
}

// Session is a snapshot of one connected client.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	State         State     `json:"state"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Requests      int       `json:"requests"`
	LastRequestAt time.Time `json:"lastRequestAt"`
}

// Event is one message delivered to a session, kept for diagnostics.
type Event struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
