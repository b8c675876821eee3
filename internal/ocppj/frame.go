package ocppj

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp"
)

// Supported WebSocket subprotocols.
const (
	ProtocolV16  = "ocpp1.6"
	ProtocolV201 = "ocpp2.0.1"
)

// UnknownMessageID is used when the id of a malformed frame could not be read.
const UnknownMessageID = "-1"

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case CallType:
		return "Call"
	case CallResultType:
		return "CallResult"
	case CallErrorType:
		return "CallError"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Frame is one of *Call, *CallResult or *CallError.
type Frame interface {
	GetMessageTypeID() MessageType
	GetMessageID() string
}

type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

type CallError struct {
	MessageID        string
	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
	ErrorDetails     interface{}
}

func (c *Call) GetMessageTypeID() MessageType       { return CallType }
func (c *Call) GetMessageID() string                { return c.MessageID }
func (c *CallResult) GetMessageTypeID() MessageType { return CallResultType }
func (c *CallResult) GetMessageID() string          { return c.MessageID }
func (c *CallError) GetMessageTypeID() MessageType  { return CallErrorType }
func (c *CallError) GetMessageID() string           { return c.MessageID }

func (c *Call) MarshalJSON() ([]byte, error) {
	payload, err := stripOrEmpty(c.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{CallType, c.MessageID, c.Action, payload})
}

func (c *CallResult) MarshalJSON() ([]byte, error) {
	payload, err := stripOrEmpty(c.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{CallResultType, c.MessageID, payload})
}

func (c *CallError) MarshalJSON() ([]byte, error) {
	details := c.ErrorDetails
	if details == nil {
		details = map[string]interface{}{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	stripped, err := stripOrEmpty(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{CallErrorType, c.MessageID, c.ErrorCode, c.ErrorDescription, stripped})
}

// ParseError is returned by ParseFrame. MessageType is zero when the type
// id itself could not be read.
type ParseError struct {
	Err         *Error
	MessageType MessageType
}

func (e *ParseError) Error() string { return e.Err.Error() }

// IsReply reports whether the malformed frame declared itself a CallResult or CallError.
func (e *ParseError) IsReply() bool {
	return e.MessageType == CallResultType || e.MessageType == CallErrorType
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseError(messageType MessageType, messageID, description string) *ParseError {
	return &ParseError{
		Err:         NewError(FormatViolation, description, messageID),
		MessageType: messageType,
	}
}

// ParseFrame decodes a raw OCPP-J text frame.
func ParseFrame(raw []byte) (Frame, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, parseError(0, UnknownMessageID, "Invalid message format")
	}
	if len(fields) == 0 {
		return nil, parseError(0, UnknownMessageID, "Invalid message format")
	}

	// The type id is read first so that truncated replies are still
	// recognised as replies.
	var typeID int
	if err := json.Unmarshal(fields[0], &typeID); err != nil {
		return nil, parseError(0, UnknownMessageID, "Invalid message type id")
	}
	messageType := MessageType(typeID)
	if len(fields) < 3 {
		return nil, parseError(messageType, UnknownMessageID, "Invalid message format")
	}

	var messageID string
	if err := json.Unmarshal(fields[1], &messageID); err != nil || messageID == "" {
		return nil, parseError(messageType, UnknownMessageID, "Invalid message id")
	}

	switch messageType {
	case CallType:
		if len(fields) != 4 {
			return nil, parseError(messageType, messageID, "Call must have 4 elements")
		}
		var action string
		if err := json.Unmarshal(fields[2], &action); err != nil || action == "" {
			return nil, parseError(messageType, messageID, "Invalid action")
		}
		if !isObject(fields[3]) {
			return nil, parseError(messageType, messageID, "Payload must be an object")
		}
		return &Call{MessageID: messageID, Action: action, Payload: fields[3]}, nil
	case CallResultType:
		if len(fields) != 3 {
			return nil, parseError(messageType, messageID, "CallResult must have 3 elements")
		}
		if !isObject(fields[2]) {
			return nil, parseError(messageType, messageID, "Payload must be an object")
		}
		return &CallResult{MessageID: messageID, Payload: fields[2]}, nil
	case CallErrorType:
		if len(fields) != 5 {
			return nil, parseError(messageType, messageID, "CallError must have 5 elements")
		}
		var code, description string
		if err := json.Unmarshal(fields[2], &code); err != nil {
			return nil, parseError(messageType, messageID, "Invalid error code")
		}
		if err := json.Unmarshal(fields[3], &description); err != nil {
			return nil, parseError(messageType, messageID, "Invalid error description")
		}
		var details interface{}
		if err := json.Unmarshal(fields[4], &details); err != nil {
			return nil, parseError(messageType, messageID, "Invalid error details")
		}
		return &CallError{
			MessageID:        messageID,
			ErrorCode:        ocpp.ErrorCode(code),
			ErrorDescription: description,
			ErrorDetails:     details,
		}, nil
	default:
		return nil, parseError(0, UnknownMessageID, fmt.Sprintf("Unknown message type id %d", typeID))
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// StripNulls removes every null-valued object member, recursively.
// Null array elements are kept.
func StripNulls(raw json.RawMessage) (json.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return json.Marshal(stripValue(value))
}

func stripValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, member := range v {
			if member == nil {
				delete(v, key)
				continue
			}
			v[key] = stripValue(member)
		}
		return v
	case []interface{}:
		for i, element := range v {
			v[i] = stripValue(element)
		}
		return v
	default:
		return v
	}
}

func stripOrEmpty(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	return StripNulls(raw)
}
