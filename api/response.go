// Package api exposes the host's lifecycle administration endpoints:
// loading, activating, deactivating, and uninstalling modules per tenant,
// plus marketplace install and search.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/GoCodeAlone/exthost"
)

// apiError is the error half of the response envelope. Category carries
// the lifecycle error family so clients can branch without parsing
// messages.
type apiError struct {
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// envelope is the JSON response wrapper: exactly one of Data or Error is
// set.
type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// WriteError writes a plain JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Error: &apiError{Message: message}})
}

// WriteLifecycleError maps a lifecycle failure onto an HTTP status and
// writes it together with its error category.
func WriteLifecycleError(w http.ResponseWriter, err error) {
	writeEnvelope(w, statusFor(err), envelope{Error: &apiError{
		Message:  err.Error(),
		Category: string(exthost.Categorize(err)),
	}})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
