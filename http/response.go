package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sagarc03/filevault"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// StatusClientClosedRequest reports a request the client abandoned before it
// completed. Nobody reads the response; the status only shows up in logs.
const StatusClientClosedRequest = 499

// errorStatus maps an engine error to its HTTP status and error code.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, filevault.ErrNotFound):
		return http.StatusNotFound, "not_found", "File not found"
	case errors.Is(err, filevault.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "Invalid request"
	case errors.Is(err, filevault.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Missing or invalid bearer token"
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large", "Upload exceeds the maximum size"
	case errors.Is(err, filevault.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge, "quota_exceeded", "Storage quota exceeded"
	case errors.Is(err, filevault.ErrConflict):
		return http.StatusConflict, "conflict", "Concurrent modification, retry the request"
	case errors.Is(err, filevault.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "storage_unavailable", "Storage is temporarily unavailable"
	case errors.Is(err, filevault.ErrCorrupted):
		return http.StatusInternalServerError, "corrupted", "File content is missing"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "request_canceled", "Request canceled"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}

// HandleError writes appropriate error response based on error type
func HandleError(w http.ResponseWriter, err error) {
	code, errCode, message := errorStatus(err)

	switch {
	case code >= http.StatusInternalServerError:
		slog.Error("request error", "error", err)
	case code == http.StatusConflict:
		slog.Warn("request conflict", "error", err)
	default:
		slog.Debug("request rejected", "error", err)
	}

	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="filevault"`)
	}
	WriteError(w, code, errCode, message)
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, code int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
