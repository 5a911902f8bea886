// Package httpapi hosts the engine's internal HTTP API under /ai/v1:
// message processing, feedback capture, standalone intent analysis, and
// the deprecation tombstone for the retired knowledge CRUD surface.
// Authentication wraps these handlers at the mux; they assume the caller
// already holds the internal API key.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// maxBodyBytes bounds request bodies. Pipeline messages cap at 4 KiB, so
// anything approaching this limit is not a legitimate client.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeTaggedError emits the two-part error body used by the intent
// endpoint: a machine-readable tag plus a human-readable message.
func writeTaggedError(w http.ResponseWriter, status int, tag, message string) {
	writeJSON(w, status, map[string]string{"error": tag, "message": message})
}
