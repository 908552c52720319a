package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("not authorized for group")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrEncryption     = errors.New("encryption error")
	ErrPersistence    = errors.New("persistence error")
)

// Kind returns the wire name of the error class err belongs to.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(err, ErrAuthorization):
		return "AuthorizationError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrEncryption):
		return "EncryptionError"
	default:
		return "PersistenceError"
	}
}

// HTTPStatus maps an error onto the REST status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to hand to clients. Encryption and storage
// failures are opaque.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrEncryption):
		return "message content unavailable"
	case errors.Is(err, ErrPersistence):
		return "internal error"
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return err.Error()
	default:
		return "internal error"
	}
}
