package controlplane

import (
	"context"
	"errors"
	"net/http"

	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/registry"
	"github.com/fentz26/fnbox/internal/scheduler"
)

// Error codes reported by the registration boundary.
const (
	CodeValidation      = "validation_error"
	CodeDuplicateID     = "duplicate_id"
	CodeInvalidBundle   = "invalid_bundle"
	CodeInternal        = "internal_error"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
)

// retryAfterSeconds is advertised when the execution queue is full.
const retryAfterSeconds = "5"

// ErrorResponse is the JSON error body of the registration and listing
// endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// registrationError maps a registration failure to a status and body.
func registrationError(err error) (int, ErrorResponse) {
	var verr *registry.ValidationError
	var berr *registry.InvalidBundleError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: verr.Message, Code: CodeValidation, Field: verr.Field}
	case errors.Is(err, catalog.ErrDuplicateID):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeDuplicateID, Field: "id"}
	case errors.As(err, &berr):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: berr.Error(), Code: CodeInvalidBundle, Field: "zip_file"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal}
}

// executionError maps an execution failure to a status and plain-text
// message. Messages of expected failures are shown to the caller; anything
// else is reported generically.
func executionError(err error) (int, string) {
	var missing *dispatch.MissingInputError
	var execErr *dispatch.ExecutionError
	var timeout *dispatch.TimeoutError
	var outMissing *dispatch.OutputMissingError
	switch {
	case errors.Is(err, dispatch.ErrFunctionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &missing):
		return http.StatusBadRequest, missing.Error()
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable, "Server busy, retry later"
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "Server shutting down"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, timeout.Error()
	case errors.As(err, &execErr):
		return http.StatusInternalServerError, execErr.Error()
	case errors.As(err, &outMissing):
		return http.StatusInternalServerError, outMissing.Error()
	case errors.Is(err, bundle.ErrBundleNotFound):
		return http.StatusInternalServerError, "Function bundle is incomplete: " + err.Error()
	case errors.Is(err, context.Canceled):
		// 499 in the nginx convention; the client is gone anyway.
		return 499, "request canceled"
	}
	return http.StatusInternalServerError, "internal error"
}

// authError maps an authentication or authorization failure.
func authError(err error) (int, ErrorResponse) {
	if errors.Is(err, auth.ErrForbidden) {
		return http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: CodeForbidden}
	}
	return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: CodeUnauthenticated}
}
