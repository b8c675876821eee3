package network

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type listener struct {
	config       config.ListenerConfig
	pingInterval time.Duration
	routes       chi.Router
	upgrader     websocket.Upgrader
	certificates *certificateStore
	server       *http.Server
}

func (l *listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.routes.ServeHTTP(w, r)
}

func (m *Manager) newListener(cfg config.ListenerConfig) (*listener, error) {
	l := &listener{
		config:       cfg,
		pingInterval: cfg.PingInterval(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{cfg.ProtocolVersion},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}

	if cfg.SecurityProfile >= ProfileTLS {
		store, err := loadCertificateStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", cfg.ID, err)
		}
		l.certificates = store
	}

	r := chi.NewRouter()
	r.Get("/health", healthCheck)
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		m.handleUpgrade(l, w, r)
	})
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	l.routes = r

	l.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l, nil
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"message":    fmt.Sprintf("Route %s:%s not found", r.Method, r.URL.Path),
		"error":      "Not Found",
		"statusCode": http.StatusNotFound,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}
