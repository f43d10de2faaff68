// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the admissions API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/admissions/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrWorkflowInconsistent: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Errors that do not carry an
// *ErrorEnvelope map to 500.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Wrapped envelopes are unwrapped; any other error becomes
// a generic 500 so that driver messages never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
