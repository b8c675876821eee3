package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/auth"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStationOffline is returned when the registry has no live entry for the station.
	ErrStationOffline = errors.New("charging station is offline")
	// ErrNotOwner is returned when the station is alive but its socket is held by another instance.
	ErrNotOwner = errors.New("charging station is connected to another instance")
	// ErrUnknownListener is returned for listener ids that are not configured.
	ErrUnknownListener = errors.New("unknown listener")
)

// Authenticator decides whether an upgrade request may become a station session.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request, tenantID string, opts auth.Options) (string, error)
}

// Router consumes the frames of registered connections.
type Router interface {
	OnMessage(ctx context.Context, identifier string, raw []byte) error
	RegisterConnection(ctx context.Context, identifier, protocol string) error
	DeregisterConnection(ctx context.Context, identifier string) error
	Shutdown() error
}

// Manager owns the WebSocket listeners and the sockets accepted on them.
// Whether a station is connected is decided by the registry alone; the
// local connection map only says which sockets this instance can write to.
type Manager struct {
	registry      *registry.Registry
	authenticator Authenticator
	router        Router
	log           logrus.FieldLogger

	listeners map[string]*listener
	order     []string

	mu           sync.RWMutex
	connections  map[string]*connection
	onConnect    func(identifier string)
	onDisconnect func(identifier string)
}

// NewManager creates a Manager with one listener per config. TLS material
// of profile 2 and 3 listeners is loaded here.
func NewManager(configs []config.ListenerConfig, reg *registry.Registry, authenticator Authenticator, router Router, log logrus.FieldLogger) (*Manager, error) {
	m := &Manager{
		registry:      reg,
		authenticator: authenticator,
		router:        router,
		log:           log,
		listeners:     make(map[string]*listener),
		connections:   make(map[string]*connection),
	}
	for _, cfg := range configs {
		if _, ok := m.listeners[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate listener id %q", cfg.ID)
		}
		l, err := m.newListener(cfg)
		if err != nil {
			return nil, err
		}
		m.listeners[cfg.ID] = l
		m.order = append(m.order, cfg.ID)
	}
	return m, nil
}

// SetConnectionHandlers registers callbacks run after a station connected
// to or disconnected from this instance.
func (m *Manager) SetConnectionHandlers(onConnect, onDisconnect func(identifier string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
}

// Handler returns the HTTP handler of a listener.
func (m *Manager) Handler(listenerID string) (http.Handler, error) {
	l, ok := m.listeners[listenerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, listenerID)
	}
	return l, nil
}

// Start binds every listener and serves it in the background.
func (m *Manager) Start() error {
	for _, id := range m.order {
		l := m.listeners[id]
		ln, err := net.Listen("tcp", l.config.Address())
		if err != nil {
			return fmt.Errorf("listen %s on %s: %w", id, l.config.Address(), err)
		}
		if l.certificates != nil {
			ln = tls.NewListener(ln, l.certificates.serverConfig())
		}

		log := m.log.WithFields(logrus.Fields{
			"listener":        id,
			"address":         l.config.Address(),
			"securityProfile": l.config.SecurityProfile,
			"protocol":        l.config.ProtocolVersion,
		})
		go func() {
			if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Listener stopped")
			}
		}()
		log.Info("WebSocket listener started")
	}
	return nil
}

// UpdateTLSCertificates swaps the TLS material of a running listener.
// Established connections keep the material they were accepted with.
func (m *Manager) UpdateTLSCertificates(listenerID string, keyPEM, certChainPEM, rootCAPEM []byte) error {
	l, ok := m.listeners[listenerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownListener, listenerID)
	}
	if l.certificates == nil {
		return fmt.Errorf("%w: %s", errNoTLS, listenerID)
	}
	if err := l.certificates.update(keyPEM, certChainPEM, rootCAPEM); err != nil {
		return err
	}
	m.log.WithField("listener", listenerID).Info("TLS certificates updated")
	return nil
}

// SendMessage writes a text frame to a station connected to this instance.
func (m *Manager) SendMessage(ctx context.Context, identifier, message string) error {
	alive, err := m.registry.IsAlive(ctx, identifier)
	if err != nil {
		return fmt.Errorf("check liveness of %s: %w", identifier, err)
	}

	m.mu.RLock()
	c := m.connections[identifier]
	m.mu.RUnlock()

	if !alive {
		if c != nil {
			c.close(websocket.CloseInternalServerErr, "client not alive")
		}
		return fmt.Errorf("%w: %s", ErrStationOffline, identifier)
	}
	if c == nil || c.closed() {
		return fmt.Errorf("%w: %s", ErrNotOwner, identifier)
	}

	if err := c.write(ctx, message); err != nil {
		c.log.WithError(err).Error("Failed to write message")
		return fmt.Errorf("write to %s: %w", identifier, err)
	}
	return nil
}

// Shutdown stops every listener, closes the local sockets and shuts the router down.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range m.order {
		if err := m.listeners[id].server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener %s: %w", id, err))
		}
	}

	m.mu.RLock()
	open := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		open = append(open, c)
	}
	m.mu.RUnlock()
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	if err := m.router.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown router: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) handleUpgrade(l *listener, w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		notFound(w, r)
		return
	}

	identifier, err := m.authenticator.Authenticate(r.Context(), r, l.config.TenantID, auth.Options{
		SecurityProfile:              l.config.SecurityProfile,
		AllowUnknownChargingStations: l.config.AllowUnknownChargingStations,
	})
	if err != nil {
		var rejection *auth.Rejection
		if !errors.As(err, &rejection) {
			rejection = auth.Internal(err)
		}
		rejection.Write(w)
		return
	}

	offered := websocket.Subprotocols(r)
	if !contains(offered, l.config.ProtocolVersion) {
		m.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"offered":    offered,
			"expected":   []string{l.config.ProtocolVersion},
		}).Warn("Subprotocol mismatch, rejecting upgrade")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithField("identifier", identifier).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	m.onConnection(identifier, l, ws)
}

// onConnection registers the socket before any frame is read from it.
func (m *Manager) onConnection(identifier string, l *listener, ws *websocket.Conn) {
	c := newConnection(identifier, l, ws, m.log)
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	desc := registry.ConnectionDescriptor{ListenerID: l.config.ID, ProtocolVersion: l.config.ProtocolVersion}
	if err := m.registry.SetConnection(ctx, identifier, desc, livenessTTL(l.pingInterval)); err != nil {
		c.log.WithError(err).Error("Failed to register connection")
		c.close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	m.mu.Lock()
	if previous := m.connections[identifier]; previous != nil {
		previous.close(websocket.ClosePolicyViolation, "replaced by new connection")
	}
	m.connections[identifier] = c
	m.mu.Unlock()

	if err := m.router.RegisterConnection(ctx, identifier, l.config.ProtocolVersion); err != nil {
		c.log.WithError(err).Error("Failed to register connection with router")
		m.removeConnection(c)
		if err := m.registry.DeleteConnection(ctx, identifier); err != nil {
			c.log.WithError(err).Error("Failed to remove connection from registry")
		}
		c.close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	c.log.WithField("protocol", l.config.ProtocolVersion).Info("Charging station connected")
	m.mu.RLock()
	onConnect := m.onConnect
	m.mu.RUnlock()
	if onConnect != nil {
		onConnect(identifier)
	}

	go m.keepAlive(c)
	go m.readLoop(c)
}

// readLoop hands frames to the router one at a time, in arrival order.
func (m *Manager) readLoop(c *connection) {
	defer m.onClose(c)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.WithError(err).Warn("Connection closed unexpectedly")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Warn("Ignoring non-text frame")
			continue
		}
		if err := m.router.OnMessage(context.Background(), c.identifier, data); err != nil {
			c.log.WithError(err).Debug("Frame not routed")
		}
	}
}

func (m *Manager) onClose(c *connection) {
	c.close(websocket.CloseNormalClosure, "")
	if !m.removeConnection(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.registry.DeleteConnection(ctx, c.identifier); err != nil {
		c.log.WithError(err).Error("Failed to remove connection from registry")
	}
	if err := m.router.DeregisterConnection(ctx, c.identifier); err != nil {
		c.log.WithError(err).Error("Failed to deregister connection")
	}
	c.log.Info("Charging station disconnected")

	m.mu.RLock()
	onDisconnect := m.onDisconnect
	m.mu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(c.identifier)
	}
}

// removeConnection drops c from the local map unless another socket replaced it.
func (m *Manager) removeConnection(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[c.identifier] != c {
		return false
	}
	delete(m.connections, c.identifier)
	return true
}

// livenessTTL is how long a registry entry survives without a pong.
func livenessTTL(pingInterval time.Duration) time.Duration {
	return 2 * pingInterval
}

// keepAlive pings the station every interval. A tick refreshes the
// registry entry only when the previous ping was answered, so a silent
// station expires and is closed on the following tick.
func (m *Manager) keepAlive(c *connection) {
	interval := c.listener.pingInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	awaitingPong := false

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			var alive bool
			var err error
			if awaitingPong {
				alive, err = m.registry.IsAlive(ctx, c.identifier)
			} else {
				alive, err = m.registry.RefreshConnection(ctx, c.identifier, livenessTTL(interval))
			}
			cancel()
			if err != nil {
				c.log.WithError(err).Warn("Failed to check liveness")
				timer.Reset(interval)
				continue
			}
			if !alive {
				c.close(websocket.CloseInternalServerErr, "client not alive")
				return
			}
			if err := c.ping(); err != nil {
				c.log.WithError(err).Debug("Failed to send ping")
			}
			awaitingPong = true
			timer.Reset(interval)
		case <-c.pongs:
			awaitingPong = false
			ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			alive, err := m.registry.RefreshConnection(ctx, c.identifier, livenessTTL(interval))
			cancel()
			if err != nil {
				c.log.WithError(err).Warn("Failed to refresh liveness")
			} else if !alive {
				c.close(websocket.CloseInternalServerErr, "client not alive")
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		}
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
