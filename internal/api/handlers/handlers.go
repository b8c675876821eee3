package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/balu-dk/ocpp-gateway/internal/network"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/balu-dk/ocpp-gateway/internal/router"
	"github.com/balu-dk/ocpp-gateway/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Gateway is the part of the CSMS service exposed over the admin API
type Gateway interface {
	GetConnection(ctx context.Context, tenantID, stationID string) (*registry.ConnectionDescriptor, error)
	SendCall(ctx context.Context, tenantID, stationID, action string, payload json.RawMessage, messageID string) (string, error)
	BlacklistAction(ctx context.Context, tenantID, stationID, action string, ttl time.Duration) error
	UnblacklistAction(ctx context.Context, tenantID, stationID, action string) error
	UpdateTLSCertificates(listenerID string, keyPEM, certChainPEM, rootCAPEM []byte) error
	ProvisionStation(ctx context.Context, tenantID, stationID string, req service.StationProvisioning) error
}

// Handler handles API requests
type Handler struct {
	gateway  Gateway
	validate *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(gateway Gateway) *Handler {
	return &Handler{
		gateway:  gateway,
		validate: validator.New(),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// CallRequest is the body of a send call request
type CallRequest struct {
	Action    string          `json:"action" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId" validate:"omitempty,max=36"`
}

// BlacklistRequest is the optional body of a blacklist request
type BlacklistRequest struct {
	TTLSeconds int `json:"ttlSeconds" validate:"min=0"`
}

// CertificatesRequest carries PEM encoded TLS material
type CertificatesRequest struct {
	Key       string `json:"key" validate:"required"`
	CertChain string `json:"certChain" validate:"required"`
	RootCA    string `json:"rootCa"`
}

// GetConnection returns where a station is connected
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, stationID := chi.URLParam(r, "tenantId"), chi.URLParam(r, "stationId")

	desc, err := h.gateway.GetConnection(r.Context(), tenantID, stationID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenantId":  tenantID,
			"stationId": stationID,
		}).Error("Failed to get connection")
		sendErrorResponse(w, "Failed to get connection", http.StatusInternalServerError)
		return
	}

	if desc == nil {
		sendErrorResponse(w, "Charging station is not connected", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    desc,
	})
}

// SendCall sends a call to a connected station
func (h *Handler) SendCall(w http.ResponseWriter, r *http.Request) {
	tenantID, stationID := chi.URLParam(r, "tenantId"), chi.URLParam(r, "stationId")

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	messageID, err := h.gateway.SendCall(r.Context(), tenantID, stationID, req.Action, req.Payload, req.MessageID)
	if err != nil {
		status := callErrorStatus(err)
		if status == http.StatusInternalServerError {
			logrus.WithError(err).WithFields(logrus.Fields{
				"tenantId":  tenantID,
				"stationId": stationID,
				"action":    req.Action,
			}).Error("Failed to send call")
		}
		sendJSON(w, status, ErrorResponse{
			Success:   false,
			Error:     err.Error(),
			Retryable: router.IsRetryable(err),
		})
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: req.Action + " call sent",
		Data:    map[string]string{"messageId": messageID},
	})
}

func callErrorStatus(err error) int {
	switch {
	case router.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, network.ErrStationOffline):
		return http.StatusNotFound
	case errors.Is(err, network.ErrNotOwner):
		return http.StatusMisdirectedRequest
	case errors.Is(err, router.ErrStationRejected):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ProvisionStation creates or updates a station and its network profiles
func (h *Handler) ProvisionStation(w http.ResponseWriter, r *http.Request) {
	tenantID, stationID := chi.URLParam(r, "tenantId"), chi.URLParam(r, "stationId")

	var req service.StationProvisioning
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.gateway.ProvisionStation(r.Context(), tenantID, stationID, req); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenantId":  tenantID,
			"stationId": stationID,
		}).Error("Failed to provision charging station")
		sendErrorResponse(w, "Failed to provision charging station", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Charging station provisioned",
	})
}

// BlacklistAction refuses an action from a station
func (h *Handler) BlacklistAction(w http.ResponseWriter, r *http.Request) {
	tenantID, stationID, action := chi.URLParam(r, "tenantId"), chi.URLParam(r, "stationId"), chi.URLParam(r, "action")

	var req BlacklistRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := h.validate.Struct(&req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.gateway.BlacklistAction(r.Context(), tenantID, stationID, action, ttl); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenantId":  tenantID,
			"stationId": stationID,
			"action":    action,
		}).Error("Failed to blacklist action")
		sendErrorResponse(w, "Failed to blacklist action", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: action + " blacklisted",
	})
}

// UnblacklistAction accepts an action from a station again
func (h *Handler) UnblacklistAction(w http.ResponseWriter, r *http.Request) {
	tenantID, stationID, action := chi.URLParam(r, "tenantId"), chi.URLParam(r, "stationId"), chi.URLParam(r, "action")

	if err := h.gateway.UnblacklistAction(r.Context(), tenantID, stationID, action); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"tenantId":  tenantID,
			"stationId": stationID,
			"action":    action,
		}).Error("Failed to remove action from blacklist")
		sendErrorResponse(w, "Failed to remove action from blacklist", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: action + " removed from blacklist",
	})
}

// UpdateCertificates rotates the TLS material of a listener
func (h *Handler) UpdateCertificates(w http.ResponseWriter, r *http.Request) {
	listenerID := chi.URLParam(r, "id")

	var req CertificatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var rootCA []byte
	if req.RootCA != "" {
		rootCA = []byte(req.RootCA)
	}

	if err := h.gateway.UpdateTLSCertificates(listenerID, []byte(req.Key), []byte(req.CertChain), rootCA); err != nil {
		if errors.Is(err, network.ErrUnknownListener) {
			sendErrorResponse(w, "Listener not found", http.StatusNotFound)
			return
		}
		logrus.WithError(err).WithField("listener", listenerID).Warn("Failed to update certificates")
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Certificates updated",
	})
}

// Helper functions to send responses
func sendResponse(w http.ResponseWriter, response Response) {
	sendJSON(w, http.StatusOK, response)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, ErrorResponse{
		Success: false,
		Error:   message,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}
