package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/auth"
	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/balu-dk/ocpp-gateway/internal/messaging"
	"github.com/balu-dk/ocpp-gateway/internal/network"
	"github.com/balu-dk/ocpp-gateway/internal/ocppj"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/balu-dk/ocpp-gateway/internal/router"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the CSMS needs: device lookups for the upgrade
// filters, provisioning, connection status and the message log.
type Store interface {
	auth.DeviceRepository
	ocppj.MessageStore
	SaveChargingStation(ctx context.Context, cs *models.ChargingStation) error
	SaveNetworkProfile(ctx context.Context, profile *models.NetworkProfile) error
	UpdateChargingStationConnection(ctx context.Context, tenantID, stationID string, online bool) error
}

// Broker is the messaging fabric: it receives station traffic and feeds
// commands back through the router.
type Broker interface {
	messaging.Sender
	messaging.Handler
	SetCommandRouter(router messaging.CommandRouter)
}

// StationProvisioning describes a station record and its network profiles
type StationProvisioning struct {
	Password        string                 `json:"password"`
	NetworkProfiles []NetworkProfileConfig `json:"networkProfiles" validate:"dive"`
}

// NetworkProfileConfig is one slot of a station's network configuration priority
type NetworkProfileConfig struct {
	Slot            int    `json:"slot" validate:"min=0"`
	SecurityProfile int    `json:"securityProfile" validate:"min=0,max=3"`
	OcppCsmsURL     string `json:"ocppCsmsUrl"`
}

// CSMS represents the gateway service
type CSMS struct {
	config   *config.Config
	db       Store
	cache    registry.Cache
	registry *registry.Registry
	broker   Broker
	router   *router.Router
	manager  *network.Manager
	log      logrus.FieldLogger
}

// NewCSMS wires the registry, router, authenticator and connection manager
func NewCSMS(cfg *config.Config, store Store, cache registry.Cache, broker Broker, log logrus.FieldLogger) (*CSMS, error) {
	reg := registry.New(cache)

	r := router.New(router.Config{
		Registry:      reg,
		Validator:     ocppj.NewProfileValidator(),
		Sender:        broker,
		Handler:       broker,
		MessageLogger: ocppj.NewOCPPLogger(store),
		MaxCallLength: cfg.MaxCallLength(),
	}, log.WithField("component", "router"))

	authenticator := auth.NewDefaultAuthenticator(log.WithField("component", "auth"), reg, store)

	manager, err := network.NewManager(cfg.Listeners, reg, authenticator, r, log.WithField("component", "network"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	r.SetNetworkConnection(manager)
	broker.SetCommandRouter(r)

	s := &CSMS{
		config:   cfg,
		db:       store,
		cache:    cache,
		registry: reg,
		broker:   broker,
		router:   r,
		manager:  manager,
		log:      log,
	}
	manager.SetConnectionHandlers(
		func(identifier string) { s.updateConnectionStatus(identifier, true) },
		func(identifier string) { s.updateConnectionStatus(identifier, false) },
	)
	return s, nil
}

// Start starts the WebSocket listeners
func (s *CSMS) Start() error {
	return s.manager.Start()
}

// Shutdown stops the listeners, the messaging fabric and the cache
func (s *CSMS) Shutdown(ctx context.Context) error {
	err := s.manager.Shutdown(ctx)
	if cerr := s.cache.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close cache: %w", cerr))
	}
	return err
}

// ListenerHandler returns the HTTP handler serving a listener
func (s *CSMS) ListenerHandler(listenerID string) (http.Handler, error) {
	return s.manager.Handler(listenerID)
}

// GetConnection returns where a station is connected, or nil when it is offline
func (s *CSMS) GetConnection(ctx context.Context, tenantID, stationID string) (*registry.ConnectionDescriptor, error) {
	return s.registry.Connection(ctx, registry.CreateIdentifier(tenantID, stationID))
}

// SendCall sends a call to a station and returns its message id
func (s *CSMS) SendCall(ctx context.Context, tenantID, stationID, action string, payload json.RawMessage, messageID string) (string, error) {
	identifier := registry.CreateIdentifier(tenantID, stationID)
	messageID, err := s.router.SendCall(ctx, identifier, action, payload, messageID)
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"action":     action,
		"messageId":  messageID,
	}).Info("Call sent")
	return messageID, nil
}

// BlacklistAction refuses calls of action from a station until ttl passes. A zero ttl never expires.
func (s *CSMS) BlacklistAction(ctx context.Context, tenantID, stationID, action string, ttl time.Duration) error {
	return s.registry.Blacklist(ctx, action, registry.CreateIdentifier(tenantID, stationID), ttl)
}

// UnblacklistAction accepts calls of action from a station again
func (s *CSMS) UnblacklistAction(ctx context.Context, tenantID, stationID, action string) error {
	return s.registry.Unblacklist(ctx, action, registry.CreateIdentifier(tenantID, stationID))
}

// UpdateTLSCertificates rotates the TLS material of a listener
func (s *CSMS) UpdateTLSCertificates(listenerID string, keyPEM, certChainPEM, rootCAPEM []byte) error {
	return s.manager.UpdateTLSCertificates(listenerID, keyPEM, certChainPEM, rootCAPEM)
}

// ProvisionStation creates or updates a station record and its network profiles
func (s *CSMS) ProvisionStation(ctx context.Context, tenantID, stationID string, req StationProvisioning) error {
	var hash string
	if req.Password != "" {
		var err error
		if hash, err = auth.HashPassword(req.Password); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	}

	priority := make([]int32, 0, len(req.NetworkProfiles))
	for _, p := range req.NetworkProfiles {
		priority = append(priority, int32(p.Slot))
	}

	if err := s.db.SaveChargingStation(ctx, &models.ChargingStation{
		ID:                           stationID,
		TenantID:                     tenantID,
		BasicAuthPasswordHash:        hash,
		NetworkConfigurationPriority: priority,
	}); err != nil {
		return fmt.Errorf("save charging station: %w", err)
	}

	for _, p := range req.NetworkProfiles {
		if err := s.db.SaveNetworkProfile(ctx, &models.NetworkProfile{
			StationID:       stationID,
			TenantID:        tenantID,
			Slot:            p.Slot,
			SecurityProfile: p.SecurityProfile,
			OcppCsmsURL:     p.OcppCsmsURL,
		}); err != nil {
			return fmt.Errorf("save network profile %d: %w", p.Slot, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"tenantId":  tenantID,
		"stationId": stationID,
		"profiles":  len(req.NetworkProfiles),
	}).Info("Charging station provisioned")
	return nil
}

func (s *CSMS) updateConnectionStatus(identifier string, online bool) {
	tenantID, stationID, err := registry.SplitIdentifier(identifier)
	if err != nil {
		s.log.WithError(err).Error("Failed to update connection status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.UpdateChargingStationConnection(ctx, tenantID, stationID, online); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"identifier": identifier,
			"online":     online,
		}).Error("Failed to update connection status")
	}
}
