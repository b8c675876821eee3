package ocppj

import (
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp"
)

// Error codes as named by OCPP-J 2.0.1. ForProtocol maps them onto the 1.6 spelling.
const (
	FormatViolation               ocpp.ErrorCode = "FormatViolation"
	GenericError                  ocpp.ErrorCode = "GenericError"
	InternalError                 ocpp.ErrorCode = "InternalError"
	MessageTypeNotSupported       ocpp.ErrorCode = "MessageTypeNotSupported"
	NotImplemented                ocpp.ErrorCode = "NotImplemented"
	NotSupported                  ocpp.ErrorCode = "NotSupported"
	OccurrenceConstraintViolation ocpp.ErrorCode = "OccurrenceConstraintViolation"
	PropertyConstraintViolation   ocpp.ErrorCode = "PropertyConstraintViolation"
	ProtocolError                 ocpp.ErrorCode = "ProtocolError"
	RpcFrameworkError             ocpp.ErrorCode = "RpcFrameworkError"
	SecurityError                 ocpp.ErrorCode = "SecurityError"
	TypeConstraintViolation       ocpp.ErrorCode = "TypeConstraintViolation"
)

var v16ErrorCodes = map[ocpp.ErrorCode]ocpp.ErrorCode{
	FormatViolation:               "FormationViolation",
	OccurrenceConstraintViolation: "OccurenceConstraintViolation",
	RpcFrameworkError:             GenericError,
	MessageTypeNotSupported:       NotSupported,
}

// ForProtocol returns the wire spelling of code for the given subprotocol.
func ForProtocol(protocol string, code ocpp.ErrorCode) ocpp.ErrorCode {
	if protocol != ProtocolV16 {
		return code
	}
	if mapped, ok := v16ErrorCodes[code]; ok {
		return mapped
	}
	return code
}

// Error is a protocol error destined for the remote peer as a CallError.
// Details is the only free-form part that ever leaves the process.
type Error struct {
	Code        ocpp.ErrorCode
	Description string
	Details     map[string]interface{}
	MessageID   string
}

// NewError creates an Error for the exchange identified by messageID.
func NewError(code ocpp.ErrorCode, description, messageID string) *Error {
	return &Error{Code: code, Description: description, MessageID: messageID}
}

// WithDetails attaches a details object and returns e.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("ocpp message (%s): %s - %s", e.MessageID, e.Code, e.Description)
}

// CallError converts e into the frame sent back to the peer.
func (e *Error) CallError(protocol string) *CallError {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return &CallError{
		MessageID:        e.MessageID,
		ErrorCode:        ForProtocol(protocol, e.Code),
		ErrorDescription: e.Description,
		ErrorDetails:     details,
	}
}
