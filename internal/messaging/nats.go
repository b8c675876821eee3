package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Conn is the part of *nats.Conn the broker uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NatsBroker publishes station traffic on
// <prefix>.messages.<tenantId>.<action> and serves request/reply commands
// on <prefix>.commands.<tenantId>.<stationId>.
type NatsBroker struct {
	conn   Conn
	prefix string
	log    logrus.FieldLogger

	mu            sync.Mutex
	router        CommandRouter
	subscriptions map[string]*nats.Subscription
}

// ConnectNats dials the NATS server at url.
func ConnectNats(url, prefix string, log logrus.FieldLogger) (*NatsBroker, error) {
	conn, err := nats.Connect(url,
		nats.Name("ocpp-gateway"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNatsBroker(conn, prefix, log), nil
}

// NewNatsBroker creates a broker on an established connection.
func NewNatsBroker(conn Conn, prefix string, log logrus.FieldLogger) *NatsBroker {
	return &NatsBroker{
		conn:          conn,
		prefix:        prefix,
		log:           log,
		subscriptions: make(map[string]*nats.Subscription),
	}
}

// SetCommandRouter sets the router commands are executed against.
func (b *NatsBroker) SetCommandRouter(router CommandRouter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = router
}

// MessageSubject returns the subject msg is published on.
func (b *NatsBroker) MessageSubject(msg *Message) string {
	return strings.Join([]string{b.prefix, "messages", subjectToken(msg.TenantID), subjectToken(msg.Action)}, ".")
}

// CommandSubject returns the subject serving commands for identifier.
func (b *NatsBroker) CommandSubject(identifier string) (string, error) {
	tenantID, stationID, err := registry.SplitIdentifier(identifier)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{b.prefix, "commands", subjectToken(tenantID), subjectToken(stationID)}, "."), nil
}

// Send publishes msg. Delivery is fire and forget once the server took it.
func (b *NatsBroker) Send(_ context.Context, msg *Message) (*Confirmation, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := b.conn.Publish(b.MessageSubject(msg), data); err != nil {
		return &Confirmation{Success: false, Reason: err.Error()}, fmt.Errorf("publish message: %w", err)
	}
	return &Confirmation{Success: true}, nil
}

// Subscribe starts serving commands for identifier.
func (b *NatsBroker) Subscribe(_ context.Context, identifier string) error {
	subject, err := b.CommandSubject(identifier)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[identifier]; ok {
		return nil
	}
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		b.handleCommand(identifier, m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subscriptions[identifier] = sub
	b.log.WithFields(logrus.Fields{"identifier": identifier, "subject": subject}).Debug("Subscribed to commands")
	return nil
}

// Unsubscribe stops serving commands for identifier.
func (b *NatsBroker) Unsubscribe(_ context.Context, identifier string) error {
	b.mu.Lock()
	sub, ok := b.subscriptions[identifier]
	delete(b.subscriptions, identifier)
	b.mu.Unlock()

	if !ok || sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Shutdown drains every subscription and closes the connection.
func (b *NatsBroker) Shutdown() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*nats.Subscription)
	b.mu.Unlock()
	return b.conn.Drain()
}

func (b *NatsBroker) handleCommand(identifier string, m *nats.Msg) {
	response := b.execute(identifier, m.Data)

	data, err := json.Marshal(response)
	if err != nil {
		b.log.WithError(err).Error("Failed to marshal command response")
		return
	}
	if m.Reply == "" {
		return
	}
	if err := m.Respond(data); err != nil {
		b.log.WithError(err).WithField("identifier", identifier).Error("Failed to respond to command")
	}
}

func (b *NatsBroker) execute(identifier string, data []byte) CommandResponse {
	b.mu.Lock()
	router := b.router
	b.mu.Unlock()

	log := b.log.WithField("identifier", identifier)
	if router == nil {
		log.Error("Command received before a router was set")
		return CommandResponse{Err: &CommandError{Code: "router.not.ready", Message: "gateway is starting"}}
	}

	response := ExecuteCommand(context.Background(), router, identifier, data)
	if response.Err != nil {
		log.WithFields(logrus.Fields{
			"code":      response.Err.Code,
			"retryable": response.Retryable,
		}).Warn(response.Err.Message)
	}
	return response
}

// subjectToken percent-encodes the characters NATS reserves in subject
// tokens, and '%' itself, so distinct inputs never share a token.
func subjectToken(s string) string {
	if !strings.ContainsAny(s, subjectReserved) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(subjectReserved, r) {
			fmt.Fprintf(&b, "%%%02X", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const subjectReserved = "%.*> \t\r\n"
