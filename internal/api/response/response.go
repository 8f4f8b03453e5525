// Package response holds the JSON writing helpers shared by all handlers.
// Success bodies are flat (the map UI consumes them directly); errors use a
// small envelope with a machine-readable code.
package response

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, data)
}

func Error(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
