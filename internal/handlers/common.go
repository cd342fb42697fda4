package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// Stable error codes surfaced alongside the HTTP status so agents can branch
// without parsing messages.
const (
	CodeAuthFailed   = 12  // credentials rejected and no auto-register path applies
	CodeConflict     = 13  // hard fingerprint mismatch on an existing identity
	CodeForbidden    = 99  // node disabled
	CodeNotLoggedIn  = 402 // token missing
	CodeInvalidToken = 403 // token failed verification
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response with a stable error code.
func JSONError(w http.ResponseWriter, message string, status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "error": message})
}

// BearerToken extracts the session token from the Authorization header,
// falling back to the token query parameter for agents on plain GET paths.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
