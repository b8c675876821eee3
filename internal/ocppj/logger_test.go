package ocppj

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	messages []*models.OCPPMessage
	err      error
}

func (s *recordingStore) LogOCPPMessage(_ context.Context, msg *models.OCPPMessage) error {
	s.messages = append(s.messages, msg)
	return s.err
}

func TestOCPPLoggerLogFrame(t *testing.T) {
	store := &recordingStore{}
	logger := NewOCPPLogger(store)

	logger.LogFrame("T1:CP001", "Heartbeat", Inbound, &Call{MessageID: "abc", Action: "Heartbeat", Payload: json.RawMessage(`{}`)})

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, "T1:CP001", msg.Identifier)
	assert.Equal(t, "Call", msg.MessageType)
	assert.Equal(t, "Heartbeat", msg.Action)
	assert.Equal(t, "abc", msg.RequestID)
	assert.Equal(t, Inbound, msg.Direction)
	assert.JSONEq(t, `[2,"abc","Heartbeat",{}]`, msg.Payload)
}

func TestOCPPLoggerToleratesStoreFailures(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	logger := NewOCPPLogger(store)

	assert.NotPanics(t, func() {
		logger.LogFrame("T1:CP001", "", Outbound, &CallResult{MessageID: "abc"})
	})

	var nilLogger *OCPPLogger
	assert.NotPanics(t, func() {
		nilLogger.LogFrame("T1:CP001", "", Outbound, &CallResult{MessageID: "abc"})
	})
}
