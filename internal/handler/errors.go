// Package handler provides the HTTP API for the file vault.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/service"
)

// apiError is the JSON error envelope returned by every endpoint.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Quota usage, present only on quota rejections.
	UsedBytes  *int64 `json:"used_bytes,omitempty"`
	LimitBytes *int64 `json:"limit_bytes,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// writeError maps a service error onto an HTTP status and JSON body.
// Infrastructure failures all collapse to a generic 500; their detail
// stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "internal server error"
	var usedBytes, limitBytes *int64

	var quotaErr *domain.QuotaError

	switch {
	case errors.Is(err, domain.ErrFileNotFound),
		errors.Is(err, domain.ErrBlobNotFound):
		status = http.StatusNotFound
		code = "not_found"
		message = domain.ErrFileNotFound.Error()

	case errors.As(err, &quotaErr):
		status = http.StatusTooManyRequests
		code = "quota_exceeded"
		message = quotaErr.Error()
		usedBytes = &quotaErr.UsedBytes
		limitBytes = &quotaErr.LimitBytes

	case errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
		code = "quota_exceeded"
		message = err.Error()

	case errors.Is(err, domain.ErrFileTooLarge):
		status = http.StatusBadRequest
		code = "file_too_large"
		message = err.Error()

	case errors.Is(err, domain.ErrFileEmpty),
		errors.Is(err, domain.ErrFilenameInvalid),
		errors.Is(err, domain.ErrContentTypeBlocked),
		errors.Is(err, domain.ErrOwnerRequired),
		errors.Is(err, domain.ErrOwnerInvalid):
		status = http.StatusBadRequest
		code = "validation_error"
		message = err.Error()

	case errors.Is(err, service.ErrInternalError):
		// Keep the generic message.
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{
		Code:       code,
		Message:    message,
		UsedBytes:  usedBytes,
		LimitBytes: limitBytes,
	}})
}

// writeBadRequest writes a 400 with a caller-supplied message.
func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{
		Code:    "validation_error",
		Message: message,
	}})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
