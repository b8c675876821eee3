package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
)

// Origin tells which side of the connection sent a message.
type Origin string

const (
	OriginChargingStation Origin = "ChargingStation"
	OriginCSMS            Origin = "CSMS"
)

// Message is an OCPP exchange handed to the modules behind the gateway.
type Message struct {
	Identifier       string                 `json:"identifier"`
	TenantID         string                 `json:"tenantId"`
	StationID        string                 `json:"stationId"`
	Origin           Origin                 `json:"origin"`
	MessageType      int                    `json:"messageType"`
	Action           string                 `json:"action"`
	MessageID        string                 `json:"messageId"`
	Protocol         string                 `json:"protocol"`
	Payload          json.RawMessage        `json:"payload,omitempty"`
	ErrorCode        ocpp.ErrorCode         `json:"errorCode,omitempty"`
	ErrorDescription string                 `json:"errorDescription,omitempty"`
	ErrorDetails     interface{}            `json:"errorDetails,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Confirmation acknowledges that a message was accepted for delivery.
type Confirmation struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Sender delivers station traffic to the modules.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Confirmation, error)
}

// Handler receives commands addressed to stations connected to this instance.
type Handler interface {
	Subscribe(ctx context.Context, identifier string) error
	Unsubscribe(ctx context.Context, identifier string) error
	Shutdown() error
}
