package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/balu-dk/ocpp-gateway/internal/ocppj"
	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp"
)

// Command types accepted on a station's command subject.
const (
	CommandCall       = "Call"
	CommandCallResult = "CallResult"
	CommandCallError  = "CallError"
)

// Command asks the gateway to send a frame to a connected station.
type Command struct {
	Type             string                 `json:"type" validate:"required,oneof=Call CallResult CallError"`
	Action           string                 `json:"action" validate:"required"`
	MessageID        string                 `json:"messageId" validate:"required_unless=Type Call"`
	Payload          json.RawMessage        `json:"payload"`
	ErrorCode        string                 `json:"errorCode" validate:"required_if=Type CallError"`
	ErrorDescription string                 `json:"errorDescription"`
	ErrorDetails     map[string]interface{} `json:"errorDetails"`
}

// CommandError describes why a command was not sent.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandResponse is the reply to every command request.
type CommandResponse struct {
	Success   bool          `json:"success"`
	MessageID string        `json:"messageId,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Err       *CommandError `json:"error,omitempty"`
}

// CommandRouter sends frames to stations on behalf of commands.
type CommandRouter interface {
	SendCall(ctx context.Context, identifier, action string, payload json.RawMessage, messageID string) (string, error)
	SendCallResult(ctx context.Context, identifier, messageID, action string, payload json.RawMessage) error
	SendCallError(ctx context.Context, identifier, action string, callErr *ocppj.Error) error
}

type retryable interface {
	Retryable() bool
}

var commandValidator = validator.New()

// ExecuteCommand validates data as a Command and runs it for identifier.
func ExecuteCommand(ctx context.Context, router CommandRouter, identifier string, data []byte) CommandResponse {
	var command Command
	if err := json.Unmarshal(data, &command); err != nil {
		return failure("command.format.not.valid", err)
	}
	if err := commandValidator.Struct(&command); err != nil {
		return failure("command.format.not.valid", err)
	}

	switch command.Type {
	case CommandCall:
		messageID, err := router.SendCall(ctx, identifier, command.Action, command.Payload, command.MessageID)
		if err != nil {
			response := failure("command.send.failed", err)
			var r retryable
			response.Retryable = errors.As(err, &r) && r.Retryable()
			return response
		}
		return CommandResponse{Success: true, MessageID: messageID}
	case CommandCallResult:
		if err := router.SendCallResult(ctx, identifier, command.MessageID, command.Action, command.Payload); err != nil {
			return failure("command.send.failed", err)
		}
	case CommandCallError:
		callErr := ocppj.NewError(ocpp.ErrorCode(command.ErrorCode), command.ErrorDescription, command.MessageID).
			WithDetails(command.ErrorDetails)
		if err := router.SendCallError(ctx, identifier, command.Action, callErr); err != nil {
			return failure("command.send.failed", err)
		}
	default:
		return failure("command.type.not.found", fmt.Errorf("unknown command type %q", command.Type))
	}
	return CommandResponse{Success: true, MessageID: command.MessageID}
}

func failure(code string, err error) CommandResponse {
	return CommandResponse{Err: &CommandError{Code: code, Message: err.Error()}}
}
