package orders

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/internal/store"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("order not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrConflict          = errors.New("order was modified concurrently")
)

func validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidTransition(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// PublicError maps a domain error onto the HTTP status and message returned
// to clients. Messages of unexpected errors are never exposed.
func PublicError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ErrForbidden), errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrNotFound.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusInternalServerError, "store unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
