package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeDevices struct {
	stations  map[string]bool
	hashes    map[string]string
	priority  map[string][]int
	profiles  map[string]map[int]*models.NetworkProfile
	err       error
	hashCalls int
	slotCalls int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		stations: map[string]bool{},
		hashes:   map[string]string{},
		priority: map[string][]int{},
		profiles: map[string]map[int]*models.NetworkProfile{},
	}
}

func (f *fakeDevices) addStation(t *testing.T, stationID, password string) {
	t.Helper()
	f.stations[stationID] = true
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		f.hashes[stationID] = string(hash)
	}
}

func (f *fakeDevices) addProfile(stationID string, slot, securityProfile int) {
	f.priority[stationID] = append(f.priority[stationID], slot)
	if f.profiles[stationID] == nil {
		f.profiles[stationID] = map[int]*models.NetworkProfile{}
	}
	f.profiles[stationID][slot] = &models.NetworkProfile{StationID: stationID, Slot: slot, SecurityProfile: securityProfile}
}

func (f *fakeDevices) ChargingStationExists(_ context.Context, _, stationID string) (bool, error) {
	return f.stations[stationID], f.err
}

func (f *fakeDevices) GetPasswordHash(_ context.Context, _, stationID string) (string, error) {
	f.hashCalls++
	return f.hashes[stationID], f.err
}

func (f *fakeDevices) GetNetworkConfigurationPriority(_ context.Context, _, stationID string) ([]int, error) {
	f.slotCalls++
	return f.priority[stationID], f.err
}

func (f *fakeDevices) GetNetworkProfile(_ context.Context, _, stationID string, slot int) (*models.NetworkProfile, error) {
	return f.profiles[stationID][slot], f.err
}

func upgradeRequest(stationID string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/ocpp/"+stationID, nil)
}
