package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the wire protocol version announced in connection_ack.
const Version = "1.0"

// Message is the envelope for all WebSocket messages.
type Message struct {
	MessageID     string          `json:"message_id"`
	SessionID     string          `json:"session_id,omitempty"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage creates a server-originated message with a fresh id and the
// current timestamp.
func NewMessage(msgType, sessionID string, payload interface{}) (*Message, error) {
	msg := &Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Correlate sets the correlation id and returns the message.
func (m *Message) Correlate(requestID string) *Message {
	m.CorrelationID = requestID
	return m
}

// Client → Server message types.
const (
	TypeDiagramRequest = "diagram_request"
	TypeCancelRequest  = "cancel_request"
	TypePing           = "ping"
)

// Server → Client message types.
const (
	TypePong               = "pong"
	TypeConnectionAck      = "connection_ack"
	TypeStatusUpdate       = "status_update"
	TypeDiagramResponse    = "diagram_response"
	TypeErrorResponse      = "error_response"
	TypeCapabilitiesUpdate = "capabilities_update"
)

// Error codes.
const (
	ErrValidation       = "VALIDATION_ERROR"
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrGenerationFailed = "GENERATION_FAILED"
	ErrInternal         = "INTERNAL_ERROR"
)

// Status values carried by status_update.
const (
	StatusThinking   = "thinking"
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusError      = "error"
	StatusIdle       = "idle"
)

// Server → Client payloads.

// ConnectionAckPayload is sent on connect and, as capabilities_update,
// whenever the template set changes.
type ConnectionAckPayload struct {
	SessionID       string   `json:"session_id,omitempty"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
	DiagramTypes    []string `json:"diagram_types"`
	Templates       []string `json:"templates,omitempty"`
}

type StatusUpdatePayload struct {
	Status    string `json:"status"`
	Text      string `json:"text"`
	Progress  *int   `json:"progress,omitempty"`
	RequestID string `json:"request_id"`
}

type DiagramResponsePayload struct {
	RequestID   string           `json:"request_id"`
	DiagramType string           `json:"diagram_type"`
	Content     string           `json:"content"`
	ContentType string           `json:"content_type"`
	Metadata    ResponseMetadata `json:"metadata"`
}

// ResponseMetadata describes how a diagram was produced.
type ResponseMetadata struct {
	GenerationMethod string        `json:"generation_method"`
	GenerationTimeMS int64         `json:"generation_time_ms"`
	CacheHit         bool          `json:"cache_hit"`
	FallbackUsed     bool          `json:"fallback_used"`
	IntendedMethod   string        `json:"intended_method,omitempty"`
	Confidence       float64       `json:"confidence"`
	QualityTier      string        `json:"quality_tier,omitempty"`
	RoutingSource    string        `json:"routing_source,omitempty"`
	Degraded         bool          `json:"degraded,omitempty"`
	ArtifactURL      string        `json:"artifact_url,omitempty"`
	Attempts         []AttemptInfo `json:"attempts,omitempty"`
}

// AttemptInfo is one generation attempt, reported only for verbose requests.
type AttemptInfo struct {
	Method     string `json:"method"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type ErrorResponsePayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id,omitempty"`
}

// Client → Server payloads.

type DiagramRequestPayload struct {
	Content         string `json:"content"`
	DiagramType     string `json:"diagram_type"`
	Theme           string `json:"theme,omitempty"`
	PrimaryColor    string `json:"primary_color,omitempty"`
	SecondaryColor  string `json:"secondary_color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	TextColor       string `json:"text_color,omitempty"`
	FontFamily      string `json:"font_family,omitempty"`
	Verbose         bool   `json:"verbose,omitempty"`
}

// DecodeDiagramRequest extracts the diagram_request payload of a message.
func DecodeDiagramRequest(msg *Message) (DiagramRequestPayload, error) {
	var p DiagramRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return p, nil
}
