package shipping

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"shipflow/internal/store"
)

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned before any write when the payload is incomplete.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Key) }

// StateConflictError reports an operation not allowed from the current status.
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string { return e.Message }

// UpstreamError wraps a failed call to a collaborator service.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string { return e.Service + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// IntegrityError wraps a storage failure that rolled a transaction back.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *IntegrityError) Unwrap() error { return e.Err }

type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// Classify maps an error to its HTTP status and problem title.
func Classify(err error) (int, string) {
	var (
		ve *ValidationError
		nf *NotFoundError
		sc *StateConflictError
		up *UpstreamError
		ae *AuthenticationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "Validation Failed"
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.As(err, &sc):
		return http.StatusBadRequest, "Invalid State"
	case errors.As(err, &ae):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.As(err, &up):
		return http.StatusBadGateway, "Upstream Error"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
