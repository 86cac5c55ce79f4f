package envelope

import "errors"

// Class buckets a failure for retry decisions and operator messaging.
type Class string

const (
	ClassNetwork  Class = "network"  // transport failure
	ClassService  Class = "service"  // worker unavailable
	ClassTimeout  Class = "timeout"  // no response by deadline
	ClassProtocol Class = "protocol" // malformed or unexpected envelope
)

// Recoverable reports whether the standard retry path applies.
// Protocol errors are the one class that does not recover on its own.
func (c Class) Recoverable() bool {
	return c != ClassProtocol
}

// Suggestion returns the operator-facing hint for this class.
func (c Class) Suggestion() string {
	switch c {
	case ClassNetwork:
		return "check connectivity; the connection will retry automatically"
	case ClassService:
		return "the agent worker is unavailable; it will be restarted automatically"
	case ClassTimeout:
		return "the operation took too long; retry the request"
	case ClassProtocol:
		return "the message was malformed; this indicates a client or version mismatch"
	default:
		return "unexpected error"
	}
}

// ClassifiedError pairs an underlying error with its failure class.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with a class. A nil err returns nil.
func Classify(class Class, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the class from err, defaulting to network for plain
// transport-level errors.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassNetwork
}

// ErrorData is the data payload of an error envelope.
type ErrorData struct {
	Error       string `json:"error"`
	Class       Class  `json:"class"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion"`
}

// NewError builds an error envelope carrying the original correlation id
// when one exists.
func NewError(id string, class Class, msg string) Envelope {
	return Reply(TypeError, id, ErrorData{
		Error:       msg,
		Class:       class,
		Recoverable: class.Recoverable(),
		Suggestion:  class.Suggestion(),
	})
}
