package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode marshals a server message straight to its wire form.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Server → Client message types.
const (
	TypeOutput       = "output"
	TypeAuthState    = "auth-state"
	TypeAuthDetected = "auth-detected"
	TypeFilesChanged = "files-changed"
	TypeErrorMessage = "error-message"
)

// Client → Server message types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
)

// Server → Client payloads.

type OutputPayload struct {
	Data string `json:"data"`
}

// AuthStatePayload carries the latest detected values; null means never seen.
type AuthStatePayload struct {
	URL  *string `json:"url"`
	Code *string `json:"code"`
}

type AuthDetectedPayload struct {
	Type  string `json:"type"` // "url" | "code"
	Value string `json:"value"`
}

type FilesChangedPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Client → Server payloads.

type InputPayload struct {
	Data string `json:"data"`
}

type ResizePayload struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}
