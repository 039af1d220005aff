package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OCPP-J message type ids.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Frame is one decoded OCPP-J envelope.
type Frame struct {
	Type     int
	UniqueID string

	// CALL only.
	Action string

	// CALL and CALLRESULT payload.
	Payload map[string]any

	// CALLERROR fields.
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     map[string]any
}

// ParseFrame decodes a raw OCPP-J array. Malformed input returns an error;
// callers drop such frames without replying.
func ParseFrame(raw []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return nil, errors.New("frame has fewer than 3 elements")
	}

	var f Frame
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return nil, fmt.Errorf("message type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("unique id: %w", err)
	}

	switch f.Type {
	case MessageTypeCall:
		if len(parts) < 4 {
			return nil, errors.New("CALL frame has no payload")
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return nil, fmt.Errorf("action: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.Payload); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
	case MessageTypeCallResult:
		if err := json.Unmarshal(parts[2], &f.Payload); err != nil {
			return nil, fmt.Errorf("result payload: %w", err)
		}
	case MessageTypeCallError:
		if len(parts) < 5 {
			return nil, errors.New("CALLERROR frame has fewer than 5 elements")
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("error code: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("error description: %w", err)
		}
		_ = json.Unmarshal(parts[4], &f.ErrorDetails)
	default:
		return nil, fmt.Errorf("unknown message type %d", f.Type)
	}
	return &f, nil
}

// EncodeCall builds a [2, id, action, payload] frame.
func EncodeCall(uniqueID, action string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCall, uniqueID, action, payload})
}

// EncodeCallResult builds a [3, id, payload] frame.
func EncodeCallResult(uniqueID string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCallResult, uniqueID, payload})
}

// EncodeCallError builds a [4, id, code, description, details] frame.
func EncodeCallError(uniqueID, code, description string, details any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCallError, uniqueID, code, description, details})
}

// ActionOf extracts the action name of a raw frame without a full decode.
// CALLRESULT/CALLERROR frames have no action and return "".
func ActionOf(raw []byte) string {
	f, err := ParseFrame(raw)
	if err != nil {
		return ""
	}
	return f.Action
}
