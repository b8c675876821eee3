package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/balu-dk/ocpp-gateway/config"
)

// Security profiles served by a listener.
const (
	ProfileUnsecured = 0
	ProfileBasicAuth = 1
	ProfileTLS       = 2
	ProfileMutualTLS = 3
)

var errNoTLS = errors.New("listener does not serve TLS")

// certificateStore holds the TLS material of one listener. Handshakes read
// the current config, so a swap only affects connections made afterwards.
type certificateStore struct {
	mutual  bool
	current atomic.Pointer[tls.Config]
}

func loadCertificateStore(cfg config.ListenerConfig) (*certificateStore, error) {
	keyPEM, err := os.ReadFile(cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read tls key: %w", err)
	}
	certPEM, err := os.ReadFile(cfg.TLSCertChainPath)
	if err != nil {
		return nil, fmt.Errorf("read tls certificate chain: %w", err)
	}
	var rootCAPEM []byte
	if cfg.SecurityProfile == ProfileMutualTLS {
		if rootCAPEM, err = os.ReadFile(cfg.RootCAPath); err != nil {
			return nil, fmt.Errorf("read root ca: %w", err)
		}
	}

	store := &certificateStore{mutual: cfg.SecurityProfile == ProfileMutualTLS}
	if err := store.update(keyPEM, certPEM, rootCAPEM); err != nil {
		return nil, err
	}
	return store, nil
}

// update installs new material. A nil rootCAPEM keeps the current client CAs.
func (s *certificateStore) update(keyPEM, certChainPEM, rootCAPEM []byte) error {
	cert, err := tls.X509KeyPair(certChainPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load server keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}

	if s.mutual {
		pool := x509.NewCertPool()
		switch {
		case len(rootCAPEM) > 0:
			if !pool.AppendCertsFromPEM(rootCAPEM) {
				return fmt.Errorf("failed to parse root ca bundle")
			}
		case s.current.Load() != nil:
			pool = s.current.Load().ClientCAs
		default:
			return fmt.Errorf("root ca required for mutual tls")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}

	s.current.Store(cfg)
	return nil
}

// serverConfig is installed on the listening socket once.
func (s *certificateStore) serverConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return s.current.Load(), nil
		},
	}
}
