package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/balu-dk/ocpp-gateway/internal/messaging"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/balu-dk/ocpp-gateway/internal/router"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	mu       sync.Mutex
	stations map[string]*models.ChargingStation
	profiles map[string]*models.NetworkProfile
	online   map[string]bool
	logged   []*models.OCPPMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stations: map[string]*models.ChargingStation{},
		profiles: map[string]*models.NetworkProfile{},
		online:   map[string]bool{},
	}
}

func (s *fakeStore) ChargingStationExists(_ context.Context, tenantID, stationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stations[registry.CreateIdentifier(tenantID, stationID)]
	return ok, nil
}

func (s *fakeStore) GetPasswordHash(_ context.Context, tenantID, stationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs := s.stations[registry.CreateIdentifier(tenantID, stationID)]; cs != nil {
		return cs.BasicAuthPasswordHash, nil
	}
	return "", nil
}

func (s *fakeStore) GetNetworkConfigurationPriority(_ context.Context, tenantID, stationID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.stations[registry.CreateIdentifier(tenantID, stationID)]
	if cs == nil {
		return nil, nil
	}
	slots := make([]int, 0, len(cs.NetworkConfigurationPriority))
	for _, slot := range cs.NetworkConfigurationPriority {
		slots = append(slots, int(slot))
	}
	return slots, nil
}

func (s *fakeStore) GetNetworkProfile(_ context.Context, tenantID, stationID string, slot int) (*models.NetworkProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[profileKey(tenantID, stationID, slot)], nil
}

func (s *fakeStore) LogOCPPMessage(_ context.Context, msg *models.OCPPMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = append(s.logged, msg)
	return nil
}

func (s *fakeStore) SaveChargingStation(_ context.Context, cs *models.ChargingStation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[registry.CreateIdentifier(cs.TenantID, cs.ID)] = cs
	return nil
}

func (s *fakeStore) SaveNetworkProfile(_ context.Context, profile *models.NetworkProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profileKey(profile.TenantID, profile.StationID, profile.Slot)] = profile
	return nil
}

func (s *fakeStore) UpdateChargingStationConnection(_ context.Context, tenantID, stationID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[registry.CreateIdentifier(tenantID, stationID)] = online
	return nil
}

func (s *fakeStore) isOnline(identifier string) (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	online, known = s.online[identifier]
	return online, known
}

func profileKey(tenantID, stationID string, slot int) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, stationID, slot)
}

type fakeBroker struct {
	mu         sync.Mutex
	router     messaging.CommandRouter
	messages   []*messaging.Message
	subscribed map[string]bool
	shutdown   bool
}

func (b *fakeBroker) SetCommandRouter(r messaging.CommandRouter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

func (b *fakeBroker) Send(_ context.Context, msg *messaging.Message) (*messaging.Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return &messaging.Confirmation{Success: true}, nil
}

func (b *fakeBroker) Subscribe(_ context.Context, identifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed == nil {
		b.subscribed = map[string]bool{}
	}
	b.subscribed[identifier] = true
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, identifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, identifier)
	return nil
}

func (b *fakeBroker) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	return nil
}

func (b *fakeBroker) received() []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*messaging.Message(nil), b.messages...)
}

func testConfig() *config.Config {
	return &config.Config{
		TenantID:             "T1",
		MaxCallLengthSeconds: 30,
		Listeners: []config.ListenerConfig{{
			ID:                           "0",
			Host:                         "127.0.0.1",
			Port:                         8081,
			SecurityProfile:              0,
			ProtocolVersion:              "ocpp2.0.1",
			PingIntervalSeconds:          60,
			TenantID:                     "T1",
			AllowUnknownChargingStations: true,
		}},
	}
}

type fixture struct {
	csms   *CSMS
	store  *fakeStore
	broker *fakeBroker
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := newFakeStore()
	broker := &fakeBroker{}

	csms, err := NewCSMS(testConfig(), store, registry.NewMemoryCache(), broker, log)
	require.NoError(t, err)

	handler, err := csms.ListenerHandler("0")
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{csms: csms, store: store, broker: broker, server: server}
}

func (f *fixture) connect(t *testing.T, stationID string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp2.0.1"}, HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+"/"+stationID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestStationSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t, "cs-1")

	require.Eventually(t, func() bool {
		online, _ := f.store.isOnline("T1:cs-1")
		return online
	}, 2*time.Second, 10*time.Millisecond)

	desc, err := f.csms.GetConnection(ctx, "T1", "cs-1")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "0", desc.ListenerID)
	assert.Equal(t, "ocpp2.0.1", desc.ProtocolVersion)

	// Station initiated call relayed to the messaging fabric and answered through the router.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"hb-1","Heartbeat",{}]`)))
	require.Eventually(t, func() bool { return len(f.broker.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := f.broker.received()[0]
	assert.Equal(t, "Heartbeat", msg.Action)
	assert.Equal(t, "T1", msg.TenantID)
	assert.Equal(t, "cs-1", msg.StationID)
	assert.Equal(t, messaging.OriginChargingStation, msg.Origin)

	require.NoError(t, f.broker.router.SendCallResult(ctx, "T1:cs-1", "hb-1", "Heartbeat",
		json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`)))
	assert.JSONEq(t, `[3,"hb-1",{"currentTime":"2024-01-01T00:00:00Z"}]`, readFrame(t, conn))

	// CSMS initiated call, single flight until the station answers.
	messageID, err := f.csms.SendCall(ctx, "T1", "cs-1", "Reset", json.RawMessage(`{"type":"Immediate"}`), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", messageID)
	assert.JSONEq(t, `[2,"r-1","Reset",{"type":"Immediate"}]`, readFrame(t, conn))

	_, err = f.csms.SendCall(ctx, "T1", "cs-1", "Reset", json.RawMessage(`{"type":"Immediate"}`), "")
	assert.True(t, router.IsRetryable(err))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[3,"r-1",{"status":"Accepted"}]`)))
	require.Eventually(t, func() bool { return len(f.broker.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Reset", f.broker.received()[1].Action)

	f.store.mu.Lock()
	logged := len(f.store.logged)
	f.store.mu.Unlock()
	assert.Equal(t, 4, logged)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		online, known := f.store.isOnline("T1:cs-1")
		return known && !online
	}, 2*time.Second, 10*time.Millisecond)

	desc, err = f.csms.GetConnection(ctx, "T1", "cs-1")
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestBlacklistedActionIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.csms.BlacklistAction(ctx, "T1", "cs-1", "Heartbeat", time.Minute))

	conn := f.connect(t, "cs-1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"hb-1","Heartbeat",{}]`)))

	var frame []interface{}
	require.NoError(t, json.Unmarshal([]byte(readFrame(t, conn)), &frame))
	require.Len(t, frame, 5)
	assert.Equal(t, float64(4), frame[0])
	assert.Equal(t, "hb-1", frame[1])
	assert.Equal(t, "SecurityError", frame[2])
	assert.Empty(t, f.broker.received())

	require.NoError(t, f.csms.UnblacklistAction(ctx, "T1", "cs-1", "Heartbeat"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"hb-2","Heartbeat",{}]`)))
	require.Eventually(t, func() bool { return len(f.broker.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestProvisionStation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.csms.ProvisionStation(ctx, "T1", "cs-9", StationProvisioning{
		Password: "s3cret-password",
		NetworkProfiles: []NetworkProfileConfig{
			{Slot: 1, SecurityProfile: 1, OcppCsmsURL: "ws://gateway:8082"},
			{Slot: 0, SecurityProfile: 2, OcppCsmsURL: "wss://gateway:8443"},
		},
	})
	require.NoError(t, err)

	cs := f.store.stations["T1:cs-9"]
	require.NotNil(t, cs)
	assert.Equal(t, []int32{1, 0}, cs.NetworkConfigurationPriority)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cs.BasicAuthPasswordHash), []byte("s3cret-password")))

	profile, err := f.store.GetNetworkProfile(ctx, "T1", "cs-9", 0)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 2, profile.SecurityProfile)
	assert.Equal(t, "wss://gateway:8443", profile.OcppCsmsURL)
}

func TestProvisionStationWithoutPasswordKeepsHashEmpty(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.csms.ProvisionStation(context.Background(), "T1", "cs-9", StationProvisioning{}))
	assert.Empty(t, f.store.stations["T1:cs-9"].BasicAuthPasswordHash)
}

func TestProvisionedStationMustMatchNetworkProfile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.csms.ProvisionStation(context.Background(), "T1", "cs-2", StationProvisioning{
		NetworkProfiles: []NetworkProfileConfig{{Slot: 0, SecurityProfile: 2}},
	}))

	dialer := websocket.Dialer{Subprotocols: []string{"ocpp2.0.1"}}
	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+"/cs-2", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.csms.Shutdown(ctx))
	assert.True(t, f.broker.shutdown)
}

func TestNewCSMSRejectsMissingTLSMaterial(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners[0].SecurityProfile = 2
	cfg.Listeners[0].TLSKeyPath = "/nonexistent/key.pem"
	cfg.Listeners[0].TLSCertChainPath = "/nonexistent/cert.pem"

	log, _ := test.NewNullLogger()
	_, err := NewCSMS(cfg, newFakeStore(), registry.NewMemoryCache(), &fakeBroker{}, log)
	assert.Error(t, err)
}
