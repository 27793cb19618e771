package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeDiagramRequest: true,
	TypeCancelRequest:  true,
	TypePing:           true,
}

// ValidationError is a rejected client message. Code is the wire error code
// and RequestID echoes the offending message id when one could be read.
type ValidationError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Themes lists the accepted values of diagram_request.theme.
var Themes = []string{"default", "light", "dark", "mono", "forest", "neutral", "base"}

var (
	hexColor   = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3,4}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	namedColor = regexp.MustCompile(`^[a-zA-Z]{3,24}$`)
	fontFamily = regexp.MustCompile(`^[A-Za-z0-9 ,'._-]{1,128}$`)
)

// IsColor reports whether v is a hex colour (#rgb, #rgba, #rrggbb,
// #rrggbbaa) or a bare CSS colour name.
func IsColor(v string) bool {
	return hexColor.MatchString(v) || namedColor.MatchString(v)
}

// IsTheme reports whether v is one of Themes, ignoring case.
func IsTheme(v string) bool {
	for _, t := range Themes {
		if strings.EqualFold(v, t) {
			return true
		}
	}
	return false
}

// IsFontFamily reports whether v is a plain font-family list.
func IsFontFamily(v string) bool {
	return fontFamily.MatchString(v)
}

func invalid(code, requestID, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, RequestID: requestID, Message: fmt.Sprintf(format, args...)}
}

// ValidateClientMessage validates a raw JSON message from a client.
// A missing message_id is filled in with a fresh UUID so every accepted
// message has a correlation key.
func ValidateClientMessage(raw []byte) (*Message, *ValidationError) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, invalid(ErrInvalidMessage, "", "invalid JSON: %v", err)
	}

	if msg.Type == "" {
		return nil, invalid(ErrInvalidMessage, msg.MessageID, "missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, invalid(ErrInvalidMessage, msg.MessageID, "unknown message type: %s", msg.Type)
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	if msg.Type == TypeDiagramRequest {
		if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
			return nil, invalid(ErrValidation, msg.MessageID, "missing 'payload' field")
		}
		p, err := DecodeDiagramRequest(&msg)
		if err != nil {
			return nil, invalid(ErrValidation, msg.MessageID, "invalid payload for %s: %v", msg.Type, err)
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, invalid(ErrValidation, msg.MessageID, "missing required field 'content' in %s payload", msg.Type)
		}
		if strings.TrimSpace(p.DiagramType) == "" {
			return nil, invalid(ErrValidation, msg.MessageID, "missing required field 'diagram_type' in %s payload", msg.Type)
		}
		if verr := validateStyle(p, msg.MessageID); verr != nil {
			return nil, verr
		}
	}

	return &msg, nil
}

// validateStyle checks the optional styling fields. Empty means default.
func validateStyle(p DiagramRequestPayload, requestID string) *ValidationError {
	if p.Theme != "" && !IsTheme(p.Theme) {
		return invalid(ErrValidation, requestID, "invalid theme %q: expected one of %s", p.Theme, strings.Join(Themes, ", "))
	}
	colors := []struct{ field, value string }{
		{"primary_color", p.PrimaryColor},
		{"secondary_color", p.SecondaryColor},
		{"background_color", p.BackgroundColor},
		{"text_color", p.TextColor},
	}
	for _, c := range colors {
		if c.value != "" && !IsColor(c.value) {
			return invalid(ErrValidation, requestID, "invalid %s: must be a hex or named colour", c.field)
		}
	}
	if p.FontFamily != "" && !IsFontFamily(p.FontFamily) {
		return invalid(ErrValidation, requestID, "invalid font_family")
	}
	return nil
}

// NewErrorMessage creates an error_response ready to send to the client.
func NewErrorMessage(sessionID, requestID, code, message string) (*Message, error) {
	msg, err := NewMessage(TypeErrorResponse, sessionID, ErrorResponsePayload{
		ErrorCode:    code,
		ErrorMessage: message,
		RequestID:    requestID,
	})
	if err != nil {
		return nil, err
	}
	return msg.Correlate(requestID), nil
}
