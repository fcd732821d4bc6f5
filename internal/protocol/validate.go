package protocol

import (
	"encoding/json"
	"fmt"
)

// maxTerminalSize bounds resize requests.
const maxTerminalSize = 1000

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeInput:  true,
	TypeResize: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeInput:
		var p InputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeResize:
		var p ResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Cols > maxTerminalSize || p.Rows > maxTerminalSize {
			return nil, fmt.Errorf("terminal size %dx%d out of range", p.Cols, p.Rows)
		}
	}

	return &msg, nil
}

// DecodeInput extracts the payload of a validated input message.
func DecodeInput(msg *Message) (InputPayload, error) {
	var p InputPayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

// DecodeResize extracts the payload of a validated resize message.
func DecodeResize(msg *Message) (ResizePayload, error) {
	var p ResizePayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

// NewErrorMessage encodes an error-message ready to send to the client.
func NewErrorMessage(message string) ([]byte, error) {
	return Encode(TypeErrorMessage, ErrorPayload{Message: message})
}
