package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/sealed-store/internal/blobstore"
	"github.com/kenneth/sealed-store/internal/crypto"
	"github.com/kenneth/sealed-store/internal/fetch"
	"github.com/kenneth/sealed-store/internal/keystore"
)

// APIError represents an API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// with returns a copy of e for resource.
func (e *APIError) with(resource, requestID string) *APIError {
	c := *e
	c.Resource = resource
	c.RequestID = requestID
	return &c
}

// TranslateError maps store and transport errors to API errors. Messages
// are fixed per class so they never carry key material or ciphertext.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var maxErr *http.MaxBytesError
	var terr *fetch.TransportError
	switch {
	case errors.As(err, &maxErr):
		return ErrEntityTooLarge.with(resource, "")
	case errors.Is(err, keystore.ErrKeyUnavailable):
		return ErrKeyUnavailable.with(resource, "")
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return ErrAuthenticationFailed.with(resource, "")
	case errors.Is(err, blobstore.ErrAlreadyExists):
		return ErrBlobAlreadyExists.with(resource, "")
	case errors.Is(err, blobstore.ErrNotFound):
		return ErrNoSuchBlob.with(resource, "")
	case errors.Is(err, blobstore.ErrInvalidName):
		return ErrInvalidName.with(resource, "")
	case errors.As(err, &terr):
		e := ErrTransport.with(resource, "")
		e.Message = terr.Error()
		return e
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrRequestCanceled.with(resource, "")
	}

	return ErrInternal.with(resource, "")
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidName = &APIError{
		Code:       "InvalidName",
		Message:    "The specified blob name is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "The request body exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrNoSuchSecret = &APIError{
		Code:       "NotFound",
		Message:    "The specified secret does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNoSuchBlob = &APIError{
		Code:       "NotFound",
		Message:    "The specified blob does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrBlobAlreadyExists = &APIError{
		Code:       "AlreadyExists",
		Message:    "A blob with the specified name already exists.",
		HTTPStatus: http.StatusConflict,
	}

	ErrKeyUnavailable = &APIError{
		Code:       "KeyUnavailable",
		Message:    "The master key is unavailable.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrAuthenticationFailed = &APIError{
		Code:       "AuthenticationFailed",
		Message:    "Stored data failed integrity verification.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrTransport = &APIError{
		Code:       "TransportError",
		Message:    "The remote resource could not be fetched.",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrRequestCanceled = &APIError{
		Code:       "RequestCanceled",
		Message:    "The request was canceled.",
		HTTPStatus: 499,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
