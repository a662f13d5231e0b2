package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind is the stable classification attached to every rejected
// operation. Handlers map kinds to HTTP statuses; nothing downgrades a kind
// on the way out.
type ErrorKind string

const (
	ErrorKindValidation   ErrorKind = "VALIDATION_ERROR"
	ErrorKindConflict     ErrorKind = "CONFLICT"
	ErrorKindNotFound     ErrorKind = "NOT_FOUND"
	ErrorKindInvalidState ErrorKind = "INVALID_STATE"
	ErrorKindForbidden    ErrorKind = "FORBIDDEN"
	ErrorKindInternal     ErrorKind = "INTERNAL"
)

type KindError struct {
	Kind    ErrorKind
	Message string
}

func (e *KindError) Error() string {
	return e.Message
}

func NewValidationError(message string) error {
	return &KindError{Kind: ErrorKindValidation, Message: message}
}

func NewConflictError(message string) error {
	return &KindError{Kind: ErrorKindConflict, Message: message}
}

func NewNotFoundError(message string) error {
	return &KindError{Kind: ErrorKindNotFound, Message: message}
}

func NewInvalidStateError(message string) error {
	return &KindError{Kind: ErrorKindInvalidState, Message: message}
}

func NewForbiddenError(message string) error {
	return &KindError{Kind: ErrorKindForbidden, Message: message}
}

func NewInternalError(err error) error {
	return &KindError{Kind: ErrorKindInternal, Message: err.Error()}
}

// KindOf returns the kind carried by err, defaulting to INTERNAL for
// unclassified errors (infrastructure failures propagate as INTERNAL).
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ErrorKindInternal
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
