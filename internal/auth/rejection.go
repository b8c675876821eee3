package auth

import (
	"fmt"
	"net/http"
)

// BasicAuthChallenge is sent with every 401 upgrade rejection.
const BasicAuthChallenge = `Basic realm="Access to the WebSocket", charset="UTF-8"`

// Rejection terminates a WebSocket upgrade with an HTTP status. The
// handshake is never completed once a Rejection is returned.
type Rejection struct {
	StatusCode int
	Header     http.Header
	Reason     string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("upgrade rejected (%d): %s", r.StatusCode, r.Reason)
}

// Write terminates the upgrade request. The reason stays in the logs.
func (r *Rejection) Write(w http.ResponseWriter) {
	for key, values := range r.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(r.StatusCode)
}

// UnknownStation rejects a station without a device record.
func UnknownStation(reason string) *Rejection {
	return &Rejection{StatusCode: http.StatusNotFound, Header: http.Header{}, Reason: reason}
}

// Unauthorized rejects failed authentication and asks for Basic credentials.
func Unauthorized(reason string) *Rejection {
	header := http.Header{}
	header.Set("WWW-Authenticate", BasicAuthChallenge)
	return &Rejection{StatusCode: http.StatusUnauthorized, Header: header, Reason: reason}
}

// Internal rejects the upgrade after an unexpected failure.
func Internal(err error) *Rejection {
	return &Rejection{StatusCode: http.StatusInternalServerError, Header: http.Header{}, Reason: err.Error()}
}
