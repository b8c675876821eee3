package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// DeviceRepository is the read side of the device store used during the upgrade.
type DeviceRepository interface {
	ChargingStationExists(ctx context.Context, tenantID, stationID string) (bool, error)
	GetPasswordHash(ctx context.Context, tenantID, stationID string) (string, error)
	GetNetworkConfigurationPriority(ctx context.Context, tenantID, stationID string) ([]int, error)
	GetNetworkProfile(ctx context.Context, tenantID, stationID string, slot int) (*models.NetworkProfile, error)
}

// UnknownStationFilter refuses stations without a device record.
type UnknownStationFilter struct {
	devices DeviceRepository
}

func NewUnknownStationFilter(devices DeviceRepository) *UnknownStationFilter {
	return &UnknownStationFilter{devices: devices}
}

func (f *UnknownStationFilter) Name() string { return "UnknownStation" }

func (f *UnknownStationFilter) ShouldApply(opts Options) bool {
	return !opts.AllowUnknownChargingStations
}

func (f *UnknownStationFilter) Apply(ctx context.Context, tenantID, stationID string, _ *http.Request, _ Options) error {
	exists, err := f.devices.ChargingStationExists(ctx, tenantID, stationID)
	if err != nil {
		return fmt.Errorf("lookup station: %w", err)
	}
	if !exists {
		return UnknownStation("unknown charging station " + stationID)
	}
	return nil
}

// ConnectedStationFilter refuses a second session for a station that is
// already alive on any instance.
type ConnectedStationFilter struct {
	registry *registry.Registry
}

func NewConnectedStationFilter(reg *registry.Registry) *ConnectedStationFilter {
	return &ConnectedStationFilter{registry: reg}
}

func (f *ConnectedStationFilter) Name() string { return "ConnectedStation" }

func (f *ConnectedStationFilter) ShouldApply(Options) bool { return true }

func (f *ConnectedStationFilter) Apply(ctx context.Context, tenantID, stationID string, _ *http.Request, _ Options) error {
	alive, err := f.registry.IsAlive(ctx, registry.CreateIdentifier(tenantID, stationID))
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if alive {
		return Unauthorized("station " + stationID + " is already connected")
	}
	return nil
}

// NetworkProfileFilter refuses a connection whose security profile none of
// the station's configured network profiles allows. Stations without
// configured slots are let through.
type NetworkProfileFilter struct {
	devices DeviceRepository
	log     logrus.FieldLogger
}

func NewNetworkProfileFilter(devices DeviceRepository, log logrus.FieldLogger) *NetworkProfileFilter {
	return &NetworkProfileFilter{devices: devices, log: log}
}

func (f *NetworkProfileFilter) Name() string { return "NetworkProfile" }

func (f *NetworkProfileFilter) ShouldApply(Options) bool { return true }

func (f *NetworkProfileFilter) Apply(ctx context.Context, tenantID, stationID string, _ *http.Request, opts Options) error {
	log := f.log.WithFields(logrus.Fields{"tenantId": tenantID, "stationId": stationID})

	slots, err := f.devices.GetNetworkConfigurationPriority(ctx, tenantID, stationID)
	if err != nil {
		return fmt.Errorf("lookup network configuration priority: %w", err)
	}
	if len(slots) == 0 {
		log.Warn("No network configuration priority configured, skipping security profile check")
		return nil
	}

	for _, slot := range slots {
		profile, err := f.devices.GetNetworkProfile(ctx, tenantID, stationID, slot)
		if err != nil {
			return fmt.Errorf("lookup network profile %d: %w", slot, err)
		}
		if profile == nil {
			log.WithField("slot", slot).Warn("Network profile slot not found, skipping security profile check")
			return nil
		}
		if profile.SecurityProfile == opts.SecurityProfile {
			return nil
		}
	}

	return Unauthorized(fmt.Sprintf("security profile %d not allowed by any network profile", opts.SecurityProfile))
}

// BasicAuthenticationFilter checks HTTP Basic credentials on profiles 1 and 2.
// Every failure carries the same reason.
type BasicAuthenticationFilter struct {
	devices DeviceRepository
}

func NewBasicAuthenticationFilter(devices DeviceRepository) *BasicAuthenticationFilter {
	return &BasicAuthenticationFilter{devices: devices}
}

func (f *BasicAuthenticationFilter) Name() string { return "BasicAuthentication" }

func (f *BasicAuthenticationFilter) ShouldApply(opts Options) bool {
	return opts.SecurityProfile == 1 || opts.SecurityProfile == 2
}

const authenticationFailed = "authentication failed"

func (f *BasicAuthenticationFilter) Apply(ctx context.Context, tenantID, stationID string, r *http.Request, _ Options) error {
	username, password, ok := r.BasicAuth()
	if !ok || username != stationID {
		return Unauthorized(authenticationFailed)
	}

	hash, err := f.devices.GetPasswordHash(ctx, tenantID, stationID)
	if err != nil {
		return fmt.Errorf("lookup password hash: %w", err)
	}
	if hash == "" {
		return Unauthorized(authenticationFailed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Unauthorized(authenticationFailed)
	}
	return nil
}

// HashPassword returns the bcrypt hash stored for a station password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
