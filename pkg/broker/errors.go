package broker

import (
	"errors"
	"strings"
)

// ErrorKind classifies a broker call failure.
type ErrorKind string

const (
	KindAuth     ErrorKind = "AUTH"
	KindMargin   ErrorKind = "MARGIN"
	KindRejected ErrorKind = "REJECTED"
	KindTimeout  ErrorKind = "TIMEOUT"
	KindUnknown  ErrorKind = "UNKNOWN"
)

// Error is a classified broker failure for one account call.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError builds a classified broker error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Classify maps a raw broker error message onto an ErrorKind. The broker
// reports margin problems in free text, so matching is substring based.
func Classify(message string) ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "margin") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "rms"):
		return KindMargin
	case strings.Contains(lower, "reject"):
		return KindRejected
	case strings.Contains(lower, "session") || strings.Contains(lower, "login") || strings.Contains(lower, "unauthor"):
		return KindAuth
	default:
		return KindUnknown
	}
}

// IsMargin reports whether err is a margin/insufficient-funds class failure.
func IsMargin(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindMargin
}

// IsAuth reports whether err is a login/session class failure.
func IsAuth(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindAuth
}
