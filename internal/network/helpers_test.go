package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/auth"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type authenticatorFunc func(ctx context.Context, r *http.Request, tenantID string, opts auth.Options) (string, error)

func (f authenticatorFunc) Authenticate(ctx context.Context, r *http.Request, tenantID string, opts auth.Options) (string, error) {
	return f(ctx, r, tenantID, opts)
}

func acceptAll() Authenticator {
	return authenticatorFunc(func(_ context.Context, r *http.Request, tenantID string, _ auth.Options) (string, error) {
		return registry.CreateIdentifier(tenantID, auth.StationIDFromPath(r.URL.Path)), nil
	})
}

type fakeRouter struct {
	mu            sync.Mutex
	frames        []string
	registered    []string
	deregistered  []string
	registerErr   error
	shutdownCalls int
}

func (r *fakeRouter) OnMessage(_ context.Context, identifier string, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, identifier+" "+string(raw))
	return nil
}

func (r *fakeRouter) RegisterConnection(_ context.Context, identifier, protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, identifier+" "+protocol)
	return r.registerErr
}

func (r *fakeRouter) DeregisterConnection(_ context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, identifier)
	return nil
}

func (r *fakeRouter) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownCalls++
	return nil
}

func (r *fakeRouter) snapshot() (frames, registered, deregistered []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...),
		append([]string(nil), r.registered...),
		append([]string(nil), r.deregistered...)
}

type harness struct {
	manager  *Manager
	registry *registry.Registry
	router   *fakeRouter
	server   *httptest.Server
	hook     *test.Hook
}

func listenerConfig(id string) config.ListenerConfig {
	return config.ListenerConfig{
		ID:                  id,
		Host:                "127.0.0.1",
		Port:                8081,
		SecurityProfile:     ProfileUnsecured,
		ProtocolVersion:     "ocpp2.0.1",
		PingIntervalSeconds: 60,
		TenantID:            "T1",
	}
}

func newHarness(t *testing.T, authenticator Authenticator, pingInterval time.Duration) *harness {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	cache := registry.NewMemoryCache()
	t.Cleanup(func() { _ = cache.Close() })

	h := &harness{registry: registry.New(cache), router: &fakeRouter{}, hook: hook}
	manager, err := NewManager([]config.ListenerConfig{listenerConfig("l1")}, h.registry, authenticator, h.router, log)
	require.NoError(t, err)
	if pingInterval > 0 {
		manager.listeners["l1"].pingInterval = pingInterval
	}
	h.manager = manager

	handler, err := manager.Handler("l1")
	require.NoError(t, err)
	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func (h *harness) dial(t *testing.T, path string, protocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(h.wsURL(path), nil)
}

func (h *harness) alive(t *testing.T, identifier string) bool {
	t.Helper()
	alive, err := h.registry.IsAlive(context.Background(), identifier)
	require.NoError(t, err)
	return alive
}

// readUntilClosed reads frames until the socket closes and returns the close error.
func readUntilClosed(conn *websocket.Conn, messages chan<- string) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messages != nil {
			messages <- string(data)
		}
	}
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key, pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

// issue returns a PEM certificate and key signed by the CA.
func (ca *testCA) issue(t *testing.T, serial int64, commonName string, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
