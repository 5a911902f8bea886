// Package middleware carries the gateway's HTTP cross-cutting concerns:
// correlation IDs with request logging, webhook signature verification,
// rate limiting, and optional API-key protection for operational endpoints.
package middleware

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
