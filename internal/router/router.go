package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/balu-dk/ocpp-gateway/internal/messaging"
	"github.com/balu-dk/ocpp-gateway/internal/ocppj"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/google/uuid"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/sirupsen/logrus"
)

// NetworkConnection writes text frames to connected stations.
type NetworkConnection interface {
	SendMessage(ctx context.Context, identifier, message string) error
}

// Config holds the collaborators of a Router.
type Config struct {
	Registry      *registry.Registry
	Validator     ocppj.SchemaValidator
	Sender        messaging.Sender
	Handler       messaging.Handler
	MessageLogger *ocppj.OCPPLogger
	MaxCallLength time.Duration
}

// Router correlates OCPP-J calls and replies. A station is either idle or
// awaiting exactly one reply; that state lives in the registry as the
// pending call guard so every instance sees the same thing.
type Router struct {
	registry      *registry.Registry
	validator     ocppj.SchemaValidator
	sender        messaging.Sender
	handler       messaging.Handler
	messageLog    *ocppj.OCPPLogger
	maxCallLength time.Duration
	log           logrus.FieldLogger

	mu        sync.RWMutex
	network   NetworkConnection
	protocols map[string]string
}

// New creates a Router.
func New(cfg Config, log logrus.FieldLogger) *Router {
	return &Router{
		registry:      cfg.Registry,
		validator:     cfg.Validator,
		sender:        cfg.Sender,
		handler:       cfg.Handler,
		messageLog:    cfg.MessageLogger,
		maxCallLength: cfg.MaxCallLength,
		log:           log,
		protocols:     make(map[string]string),
	}
}

// SetNetworkConnection sets the transport outbound frames are written to.
func (r *Router) SetNetworkConnection(network NetworkConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.network = network
}

// RegisterConnection starts routing commands to identifier over protocol.
func (r *Router) RegisterConnection(ctx context.Context, identifier, protocol string) error {
	if r.handler != nil {
		if err := r.handler.Subscribe(ctx, identifier); err != nil {
			return fmt.Errorf("subscribe %s: %w", identifier, err)
		}
	}
	r.mu.Lock()
	r.protocols[identifier] = protocol
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"identifier": identifier, "protocol": protocol}).Info("Connection registered")
	return nil
}

// DeregisterConnection stops routing commands to identifier.
func (r *Router) DeregisterConnection(ctx context.Context, identifier string) error {
	r.mu.Lock()
	delete(r.protocols, identifier)
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler.Unsubscribe(ctx, identifier); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", identifier, err)
		}
	}
	r.log.WithField("identifier", identifier).Info("Connection deregistered")
	return nil
}

// UpdateBootStatus records the registration status last sent to identifier.
func (r *Router) UpdateBootStatus(ctx context.Context, identifier, status string) error {
	return r.registry.SetBootStatus(ctx, identifier, status)
}

// Shutdown stops receiving commands.
func (r *Router) Shutdown() error {
	if r.handler == nil {
		return nil
	}
	return r.handler.Shutdown()
}

func (r *Router) protocol(ctx context.Context, identifier string) string {
	r.mu.RLock()
	protocol, ok := r.protocols[identifier]
	r.mu.RUnlock()
	if ok {
		return protocol
	}
	if desc, err := r.registry.Connection(ctx, identifier); err == nil && desc != nil && desc.ProtocolVersion != "" {
		return desc.ProtocolVersion
	}
	return ocppj.ProtocolV201
}

// OnMessage handles one text frame received from identifier. Protocol
// errors are answered with a CallError and also returned.
func (r *Router) OnMessage(ctx context.Context, identifier string, raw []byte) error {
	frame, err := ocppj.ParseFrame(raw)
	if err != nil {
		var parseErr *ocppj.ParseError
		if !errors.As(err, &parseErr) {
			return err
		}
		if parseErr.IsReply() {
			r.log.WithField("identifier", identifier).WithError(err).Warn("Dropping malformed reply")
			return err
		}
		return r.replyError(ctx, identifier, "", parseErr.Err)
	}

	switch f := frame.(type) {
	case *ocppj.Call:
		return r.onCall(ctx, identifier, f)
	case *ocppj.CallResult:
		return r.onCallResult(ctx, identifier, f)
	case *ocppj.CallError:
		return r.onCallError(ctx, identifier, f)
	default:
		return fmt.Errorf("unsupported frame %T", frame)
	}
}

func (r *Router) onCall(ctx context.Context, identifier string, call *ocppj.Call) error {
	log := r.log.WithFields(logrus.Fields{"identifier": identifier, "action": call.Action, "messageId": call.MessageID})
	r.messageLog.LogFrame(identifier, call.Action, ocppj.Inbound, call)
	protocol := r.protocol(ctx, identifier)

	blacklisted, err := r.registry.IsBlacklisted(ctx, call.Action, identifier)
	if err != nil {
		log.WithError(err).Error("Failed to check blacklist")
		return r.replyError(ctx, identifier, call.Action, ocppj.NewError(ocppj.InternalError, "Internal error", call.MessageID))
	}
	if blacklisted {
		return r.replyError(ctx, identifier, call.Action,
			ocppj.NewError(ocppj.SecurityError, fmt.Sprintf("Action %s is not allowed", call.Action), call.MessageID))
	}

	if err := r.validator.Validate(protocol, call.Action, ocppj.Request, call.Payload); err != nil {
		return r.replyError(ctx, identifier, call.Action, validationError(err, call))
	}

	pending := registry.PendingCall{Action: call.Action, MessageID: call.MessageID}
	started, err := r.registry.BeginCall(ctx, identifier, pending, r.maxCallLength)
	if err != nil {
		log.WithError(err).Error("Failed to set pending call")
		return r.replyError(ctx, identifier, call.Action, ocppj.NewError(ocppj.InternalError, "Internal error", call.MessageID))
	}
	if !started {
		return r.replyError(ctx, identifier, call.Action,
			ocppj.NewError(ocppj.RpcFrameworkError, "Call already in progress", call.MessageID))
	}

	msg := r.newMessage(identifier, protocol, ocppj.CallType, call.Action, call.MessageID)
	msg.Origin = messaging.OriginChargingStation
	msg.Payload = call.Payload
	if err := r.dispatch(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to dispatch call")
		r.clearGuard(ctx, identifier, pending)

		var handlerErr *ocppj.Error
		if errors.As(err, &handlerErr) {
			reply := *handlerErr
			reply.MessageID = call.MessageID
			return r.replyError(ctx, identifier, call.Action, &reply)
		}
		return r.replyError(ctx, identifier, call.Action, ocppj.NewError(ocppj.InternalError, "Failed to process call", call.MessageID))
	}
	return nil
}

func validationError(err error, call *ocppj.Call) *ocppj.Error {
	if errors.Is(err, ocppj.ErrUnknownAction) {
		return ocppj.NewError(ocppj.NotImplemented, fmt.Sprintf("Action %s is not implemented", call.Action), call.MessageID)
	}
	var ocppErr *ocppj.Error
	if errors.As(err, &ocppErr) {
		reply := *ocppErr
		reply.MessageID = call.MessageID
		return &reply
	}
	return ocppj.NewError(ocppj.FormatViolation, "Invalid payload", call.MessageID)
}

func (r *Router) onCallResult(ctx context.Context, identifier string, result *ocppj.CallResult) error {
	pending, err := r.takeGuard(ctx, identifier, result)
	if err != nil {
		return err
	}
	protocol := r.protocol(ctx, identifier)
	log := r.log.WithFields(logrus.Fields{"identifier": identifier, "action": pending.Action, "messageId": result.MessageID})

	if err := r.validator.Validate(protocol, pending.Action, ocppj.Response, result.Payload); err != nil {
		if !errors.Is(err, ocppj.ErrUnknownAction) {
			log.WithError(err).Error("Dropping invalid call result")
			return err
		}
		log.Debug("No schema for call result, forwarding unvalidated")
	}

	msg := r.newMessage(identifier, protocol, ocppj.CallResultType, pending.Action, result.MessageID)
	msg.Origin = messaging.OriginChargingStation
	msg.Payload = result.Payload
	if err := r.dispatch(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to dispatch call result")
		return err
	}
	return nil
}

func (r *Router) onCallError(ctx context.Context, identifier string, callErr *ocppj.CallError) error {
	pending, err := r.takeGuard(ctx, identifier, callErr)
	if err != nil {
		return err
	}
	protocol := r.protocol(ctx, identifier)

	msg := r.newMessage(identifier, protocol, ocppj.CallErrorType, pending.Action, callErr.MessageID)
	msg.Origin = messaging.OriginChargingStation
	msg.ErrorCode = callErr.ErrorCode
	msg.ErrorDescription = callErr.ErrorDescription
	msg.ErrorDetails = callErr.ErrorDetails
	if err := r.dispatch(ctx, msg); err != nil {
		r.log.WithFields(logrus.Fields{"identifier": identifier, "messageId": callErr.MessageID}).
			WithError(err).Error("Failed to dispatch call error")
		return err
	}
	return nil
}

// takeGuard clears the pending call before anything else so a late or
// duplicate reply cannot leave the station stuck.
func (r *Router) takeGuard(ctx context.Context, identifier string, reply ocppj.Frame) (*registry.PendingCall, error) {
	log := r.log.WithFields(logrus.Fields{"identifier": identifier, "messageId": reply.GetMessageID()})

	pending, err := r.registry.TakePendingCall(ctx, identifier)
	if err != nil {
		log.WithError(err).Error("Failed to read pending call")
		return nil, err
	}
	if pending == nil {
		r.messageLog.LogFrame(identifier, "", ocppj.Inbound, reply)
		callErr := ocppj.NewError(ocppj.InternalError, "MessageId not found, call may have timed out", reply.GetMessageID())
		log.WithError(callErr).Error("Received reply without pending call")
		return nil, callErr
	}
	r.messageLog.LogFrame(identifier, pending.Action, ocppj.Inbound, reply)
	if pending.MessageID != reply.GetMessageID() {
		callErr := ocppj.NewError(ocppj.InternalError, "MessageId doesn't match", reply.GetMessageID())
		log.WithField("pending", pending.String()).WithError(callErr).Error("Received reply for another call")
		return nil, callErr
	}
	return pending, nil
}

// SendCall sends a CSMS initiated call and returns its message id. A
// *RetryableError is returned while another call is outstanding.
func (r *Router) SendCall(ctx context.Context, identifier, action string, payload json.RawMessage, messageID string) (string, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}

	status, err := r.registry.BootStatus(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("read boot status: %w", err)
	}
	if status == string(core.RegistrationStatusRejected) && !isBootNotificationTrigger(action, payload) {
		return "", fmt.Errorf("%w: %s not sent to %s", ErrStationRejected, action, identifier)
	}

	pending := registry.PendingCall{Action: action, MessageID: messageID}
	started, err := r.registry.BeginCall(ctx, identifier, pending, r.maxCallLength)
	if err != nil {
		return "", fmt.Errorf("set pending call: %w", err)
	}
	if !started {
		current, _ := r.registry.PendingCall(ctx, identifier)
		return "", &RetryableError{Identifier: identifier, Pending: current}
	}

	call := &ocppj.Call{MessageID: messageID, Action: action, Payload: payload}
	if err := r.send(ctx, identifier, action, call); err != nil {
		r.clearGuard(ctx, identifier, pending)
		return "", err
	}
	return messageID, nil
}

// SendCallResult answers the call identifier is waiting on.
func (r *Router) SendCallResult(ctx context.Context, identifier, messageID, action string, payload json.RawMessage) error {
	if err := r.completeGuard(ctx, identifier, registry.PendingCall{Action: action, MessageID: messageID}); err != nil {
		return err
	}
	if action == core.BootNotificationFeatureName {
		r.recordBootStatus(ctx, identifier, payload)
	}
	return r.send(ctx, identifier, action, &ocppj.CallResult{MessageID: messageID, Payload: payload})
}

// SendCallError answers the call identifier is waiting on with an error.
func (r *Router) SendCallError(ctx context.Context, identifier, action string, callErr *ocppj.Error) error {
	if err := r.completeGuard(ctx, identifier, registry.PendingCall{Action: action, MessageID: callErr.MessageID}); err != nil {
		return err
	}
	return r.send(ctx, identifier, action, callErr.CallError(r.protocol(ctx, identifier)))
}

func (r *Router) completeGuard(ctx context.Context, identifier string, pending registry.PendingCall) error {
	completed, err := r.registry.CompletePendingCall(ctx, identifier, pending)
	if err != nil {
		return fmt.Errorf("clear pending call: %w", err)
	}
	if !completed {
		return fmt.Errorf("%w: %s for %s", ErrCallMismatch, pending, identifier)
	}
	return nil
}

func (r *Router) clearGuard(ctx context.Context, identifier string, pending registry.PendingCall) {
	if _, err := r.registry.CompletePendingCall(ctx, identifier, pending); err != nil {
		r.log.WithField("identifier", identifier).WithError(err).Error("Failed to clear pending call")
	}
}

func (r *Router) recordBootStatus(ctx context.Context, identifier string, payload json.RawMessage) {
	var response struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &response); err != nil || response.Status == "" {
		return
	}
	if err := r.UpdateBootStatus(ctx, identifier, response.Status); err != nil {
		r.log.WithField("identifier", identifier).WithError(err).Error("Failed to record boot status")
	}
}

func isBootNotificationTrigger(action string, payload json.RawMessage) bool {
	if action != remotetrigger.TriggerMessageFeatureName {
		return false
	}
	var request struct {
		RequestedMessage string `json:"requestedMessage"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		return false
	}
	return request.RequestedMessage == core.BootNotificationFeatureName
}

// replyError answers an inbound call with a CallError and returns callErr.
func (r *Router) replyError(ctx context.Context, identifier, action string, callErr *ocppj.Error) error {
	frame := callErr.CallError(r.protocol(ctx, identifier))
	if err := r.send(ctx, identifier, action, frame); err != nil {
		r.log.WithFields(logrus.Fields{"identifier": identifier, "messageId": callErr.MessageID}).
			WithError(err).Error("Failed to send call error")
	}
	return callErr
}

func (r *Router) send(ctx context.Context, identifier, action string, frame ocppj.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", frame.GetMessageTypeID(), err)
	}

	r.mu.RLock()
	network := r.network
	r.mu.RUnlock()
	if network == nil {
		return ErrNoNetworkConnection
	}
	if err := network.SendMessage(ctx, identifier, string(data)); err != nil {
		return err
	}
	r.messageLog.LogFrame(identifier, action, ocppj.Outbound, frame)
	return nil
}

func (r *Router) dispatch(ctx context.Context, msg *messaging.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch panicked: %v", p)
		}
	}()

	if r.sender == nil {
		return errors.New("no message sender configured")
	}
	confirmation, err := r.sender.Send(ctx, msg)
	if err != nil {
		return err
	}
	if confirmation == nil || !confirmation.Success {
		reason := "no confirmation"
		if confirmation != nil {
			reason = confirmation.Reason
		}
		return fmt.Errorf("message not accepted: %s", reason)
	}
	return nil
}

func (r *Router) newMessage(identifier, protocol string, messageType ocppj.MessageType, action, messageID string) *messaging.Message {
	tenantID, stationID, _ := registry.SplitIdentifier(identifier)
	return &messaging.Message{
		Identifier:  identifier,
		TenantID:    tenantID,
		StationID:   stationID,
		MessageType: int(messageType),
		Action:      action,
		MessageID:   messageID,
		Protocol:    protocol,
		Timestamp:   time.Now(),
	}
}
