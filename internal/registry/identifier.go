package registry

import (
	"fmt"
	"strings"
)

const identifierSeparator = ":"

// CreateIdentifier builds the key naming one logical station session
// regardless of which instance holds its socket.
func CreateIdentifier(tenantID, stationID string) string {
	return tenantID + identifierSeparator + stationID
}

// SplitIdentifier is the inverse of CreateIdentifier.
func SplitIdentifier(identifier string) (tenantID, stationID string, err error) {
	tenantID, stationID, ok := strings.Cut(identifier, identifierSeparator)
	if !ok || tenantID == "" || stationID == "" {
		return "", "", fmt.Errorf("malformed identifier %q", identifier)
	}
	return tenantID, stationID, nil
}
