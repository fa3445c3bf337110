package app

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect username or password")

	// ErrUserDisabled is returned when an account is inactive.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrLoginAndPasswordRequired = errors.New("username and password required")

	// ErrInvalidUploadSession covers unknown, reaped and incomplete intake sessions.
	ErrInvalidUploadSession = errors.New("invalid session: please upload the images again")

	ErrWarehouseExists = errors.New("warehouse name or email already registered")

	ErrProductSaveFailed = errors.New("could not save product, please try again")
)

// FieldError is one rejected form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors lists every problem with a submitted form.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, f := range e {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "; ")
}

func (e *FieldErrors) add(field, msg string) {
	*e = append(*e, FieldError{Field: field, Message: msg})
}

func (e FieldErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
