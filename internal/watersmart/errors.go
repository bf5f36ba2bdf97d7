package watersmart

import (
	"errors"
	"fmt"
)

// Kind classifies client failures.
type Kind int

const (
	KindUnexpected Kind = iota
	KindAuthentication
	KindCommunication
	KindDataFormat
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindCommunication:
		return "communication"
	case KindDataFormat:
		return "data_format"
	default:
		return "unexpected"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrAuthentication = errors.New("watersmart: authentication failed")
	ErrCommunication  = errors.New("watersmart: communication failed")
	ErrDataFormat     = errors.New("watersmart: unexpected data format")
)

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("watersmart %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.Kind == KindAuthentication
	case ErrCommunication:
		return e.Kind == KindCommunication
	case ErrDataFormat:
		return e.Kind == KindDataFormat
	}
	return false
}

// KindOf returns the kind of err, or KindUnexpected if err is not a client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
