// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Envelope is the standard API response shape.
type Envelope struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// JSON writes a JSON data envelope with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Data: data}); err != nil {
		http.Error(w, `{"error":{"kind":"INTERNAL","message":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// Error writes an error envelope with the status mapped from the error kind.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierrors.Status(apiErr))
	json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Created writes a 201 response.
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }

// Accepted writes a 202 response.
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

// NoContent writes a 204 response.
func NoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }
