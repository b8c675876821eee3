package ocppj

import (
	"context"
	"encoding/json"
	"time"

	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/sirupsen/logrus"
)

// Message directions as stored in the message log.
const (
	Inbound  = "Inbound"
	Outbound = "Outbound"
)

// MessageStore persists OCPP messages.
type MessageStore interface {
	LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error
}

// OCPPLogger logs OCPP frames to a MessageStore
type OCPPLogger struct {
	store MessageStore
}

// NewOCPPLogger creates a new OCPP logger
func NewOCPPLogger(store MessageStore) *OCPPLogger {
	return &OCPPLogger{
		store: store,
	}
}

// LogFrame logs a frame exchanged with the station behind identifier.
// action is empty for replies whose call is no longer known.
func (l *OCPPLogger) LogFrame(identifier, action, direction string, frame Frame) {
	if l == nil || l.store == nil || frame == nil {
		return
	}
	payloadJSON, err := json.Marshal(frame)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal OCPP frame")
		payloadJSON = []byte("[]")
	}

	msg := &models.OCPPMessage{
		Identifier:  identifier,
		MessageType: frame.GetMessageTypeID().String(),
		Action:      action,
		RequestID:   frame.GetMessageID(),
		Payload:     string(payloadJSON),
		Direction:   direction,
		Timestamp:   time.Now(),
	}

	// Use a background context with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.LogOCPPMessage(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"identifier": identifier,
			"action":     action,
			"requestID":  frame.GetMessageID(),
			"error":      err,
		}).Error("Failed to log OCPP message")
	}
}
