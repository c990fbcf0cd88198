package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-registry/pkg/registry"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a service error to its HTTP status and error code.
// Duplicate project names are a client error rather than a retryable
// conflict. A blob path held by another project is a 409 that retrying
// cannot clear.
func statusFor(err error) (int, string) {
	if errors.Is(err, registry.ErrProjectExists) {
		return http.StatusBadRequest, "project_exists"
	}
	switch registry.Kind(err) {
	case registry.KindInvalidInput:
		return http.StatusBadRequest, "invalid_input"
	case registry.KindUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case registry.KindNotFound:
		if errors.Is(err, registry.ErrVersionNotFound) {
			return http.StatusNotFound, "version_not_found"
		}
		return http.StatusNotFound, "project_not_found"
	case registry.KindConflict:
		if errors.Is(err, registry.ErrBlobPathTaken) {
			return http.StatusConflict, "blob_path_taken"
		}
		return http.StatusConflict, "version_conflict"
	case registry.KindUnavailable:
		return http.StatusServiceUnavailable, "store_unavailable"
	case registry.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func messageFor(status int, err error) string {
	switch status {
	case http.StatusNotFound:
		if errors.Is(err, registry.ErrVersionNotFound) {
			return "Version not found"
		}
		return "Project not found"
	case http.StatusUnauthorized:
		return "Authentication required"
	case http.StatusConflict:
		if errors.Is(err, registry.ErrBlobPathTaken) {
			return "Another project already stores an artifact at this path, upload under a different filename"
		}
		return "Version number was taken by a concurrent upload, retry the request"
	case http.StatusServiceUnavailable:
		return "Storage temporarily unavailable"
	case http.StatusGatewayTimeout:
		return "Storage operation timed out"
	case http.StatusInternalServerError:
		return "An internal server error occurred"
	}
	if errors.Is(err, registry.ErrProjectExists) {
		return "Project name already exists"
	}
	return err.Error()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, msg, "status", status, "code", code, "error", err)

	if registry.IsRetryable(err) && (status == http.StatusConflict || status == http.StatusServiceUnavailable) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, r, status, code, messageFor(status, err))
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
