package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIError is a domain validation error carrying a numeric application code.
// The front end branches on the code to show tailored guidance, so codes are
// part of the API contract and must stay stable.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"error"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a domain error with an HTTP status and application code
func NewAPIError(status, code int, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// BadRequestError creates a 400-class domain error. Not-found conditions on
// opaque identifiers are reported this way rather than as a generic 404.
func BadRequestError(code int, message string) *APIError {
	return NewAPIError(http.StatusBadRequest, code, message)
}

// WriteAPIError renders an error as JSON. Typed APIErrors keep their status
// and code; anything else becomes an opaque 500.
func WriteAPIError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.Status)
		json.NewEncoder(w).Encode(apiErr)
		return
	}
	WriteInternalError(w, err)
}

// IsAPIError reports whether err is (or wraps) an APIError with the given code
func IsAPIError(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
