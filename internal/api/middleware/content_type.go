package middleware

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// ContentType marks every response as JSON and answers 415 to request
// bodies that are not application/json.
func ContentType(next http.Handler) http.Handler {
	return chimiddleware.SetHeader("Content-Type", "application/json")(
		chimiddleware.AllowContentType("application/json")(next),
	)
}
