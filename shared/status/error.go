package status

import (
	"errors"
	"fmt"
)

const (
	// NotFound indicates that the bundle wasn't found in the registry
	NotFound Type = 1

	// DownloadError indicates a network or unpack failure while fetching a bundle
	DownloadError Type = 2

	// StorageError indicates a persistence I/O failure
	StorageError Type = 3

	// ActivationError indicates that the content host failed to load a bundle
	ActivationError Type = 4

	// InvalidArgument indicates some generic invalid argument error
	InvalidArgument Type = 5

	// PreconditionFailed indicates that some pre-condition for the operation hasn't been fulfilled
	PreconditionFailed Type = 6

	// Internal indicates some generic internal error
	Internal Type = 7
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case NotFound:
		return "not found"
	case DownloadError:
		return "download error"
	case StorageError:
		return "storage error"
	case ActivationError:
		return "activation error"
	case InvalidArgument:
		return "invalid argument"
	case PreconditionFailed:
		return "precondition failed"
	default:
		return "internal"
	}
}

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
	// Err is the underlying cause, if any
	Err error
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// Wrap returns an Error of the given type carrying err as its cause.
// A nil err yields nil.
func Wrap(errorType Type, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
		Err:       err,
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries an Error of the given type anywhere in its chain
func Is(err error, errorType Type) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ErrorType == errorType
}

// NewBundleNotFoundError creates a new Error with NotFound type for a missing bundle
func NewBundleNotFoundError(id string) error {
	return Errorf(NotFound, "bundle not found: %s", id)
}
