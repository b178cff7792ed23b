// Package respond writes the JSON bodies shared by every HTTP endpoint.
package respond

import (
	"encoding/json"
	"net/http"
)

// Envelope is the common response shape: {success, message?, error?, details?}.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OK writes {success:true, message}.
func OK(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, Envelope{Success: true, Message: message})
}

// Error writes {success:false, error}.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, Envelope{Error: msg})
}

// ErrorDetails writes {success:false, error, details}.
func ErrorDetails(w http.ResponseWriter, status int, msg string, details any) {
	JSON(w, status, Envelope{Error: msg, Details: details})
}
