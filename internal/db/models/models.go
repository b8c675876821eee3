package models

import (
	"time"
)

// ChargingStation is the device record consulted during the WebSocket upgrade
type ChargingStation struct {
	ID                    string `json:"id"`
	TenantID              string `json:"tenantId"`
	BasicAuthPasswordHash string `json:"-"`

	// NetworkConfigurationPriority lists NetworkProfile slots, most preferred first
	NetworkConfigurationPriority []int32   `json:"networkConfigurationPriority"`
	IsOnline                     bool      `json:"isOnline"`
	CreatedAt                    time.Time `json:"createdAt"`
	UpdatedAt                    time.Time `json:"updatedAt"`
}

// NetworkProfile is one configuration slot of a station's NetworkConfigurationPriority
type NetworkProfile struct {
	StationID       string `json:"stationId"`
	TenantID        string `json:"tenantId"`
	Slot            int    `json:"slot"`
	SecurityProfile int    `json:"securityProfile"`
	OcppCsmsURL     string `json:"ocppCsmsUrl"`
}

// OCPPMessage represents a logged OCPP message
type OCPPMessage struct {
	ID          int       `json:"id"`
	Identifier  string    `json:"identifier"`
	MessageType string    `json:"messageType"` // Call, CallResult or CallError
	Action      string    `json:"action"`      // OCPP action like BootNotification, StatusNotification, etc.
	RequestID   string    `json:"requestId"`
	Payload     string    `json:"payload"`   // JSON string of the frame
	Direction   string    `json:"direction"` // Inbound or Outbound
	Timestamp   time.Time `json:"timestamp"`
}
