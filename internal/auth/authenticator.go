package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/sirupsen/logrus"
)

// Options describe the physical connection being authenticated.
type Options struct {
	SecurityProfile              int
	AllowUnknownChargingStations bool
}

// Filter is one step of the upgrade authentication chain. Apply returns a
// *Rejection to refuse the connection; any other error ends in a 500.
type Filter interface {
	Name() string
	ShouldApply(opts Options) bool
	Apply(ctx context.Context, tenantID, stationID string, r *http.Request, opts Options) error
}

// Authenticator runs its filters in order and stops at the first failure.
type Authenticator struct {
	filters []Filter
	log     logrus.FieldLogger
}

// NewAuthenticator creates an Authenticator running filters in the given order.
func NewAuthenticator(log logrus.FieldLogger, filters ...Filter) *Authenticator {
	return &Authenticator{filters: filters, log: log}
}

// NewDefaultAuthenticator wires the standard chain: unknown station,
// connected station, network profile, then Basic authentication.
func NewDefaultAuthenticator(log logrus.FieldLogger, reg *registry.Registry, devices DeviceRepository) *Authenticator {
	return NewAuthenticator(log,
		NewUnknownStationFilter(devices),
		NewConnectedStationFilter(reg),
		NewNetworkProfileFilter(devices, log),
		NewBasicAuthenticationFilter(devices),
	)
}

// Authenticate returns the identifier of the connecting station. Every
// failure is returned as a *Rejection.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, tenantID string, opts Options) (string, error) {
	stationID := StationIDFromPath(r.URL.Path)
	if stationID == "" {
		return "", UnknownStation("missing station id in path")
	}
	log := a.log.WithFields(logrus.Fields{"tenantId": tenantID, "stationId": stationID})

	for _, filter := range a.filters {
		if !filter.ShouldApply(opts) {
			continue
		}
		if err := filter.Apply(ctx, tenantID, stationID, r, opts); err != nil {
			var rejection *Rejection
			if !errors.As(err, &rejection) {
				rejection = Internal(err)
			}
			log.WithField("filter", filter.Name()).WithError(err).Warn("Connection rejected")
			return "", rejection
		}
	}

	return registry.CreateIdentifier(tenantID, stationID), nil
}

// StationIDFromPath returns the last segment of an upgrade URL path.
func StationIDFromPath(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
