package errors

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	ErrMissingToken     = errors.New("no session token configured")
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNotStarted       = errors.New("engine not started")
)

// Configuration errors.
var (
	ErrMissingEndpoint = errors.New("remote endpoint not configured")
	ErrSchemaTooNew    = errors.New("store schema is newer than this build supports")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Kind classifies a failure for the status reporter. The zero value is
// KindNone.
type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindAuth
	KindServer
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// MarshalText lets kinds appear by name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Well-known
// sentinels are classified even when not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return KindAuth
	case errors.Is(err, ErrMissingEndpoint), errors.Is(err, ErrAPIResponse):
		return KindServer
	case errors.Is(err, ErrAPIRequest):
		return KindNetwork
	}

	return KindUnknown
}

// IsAbort reports whether err should stop the current operation
// instead of being recorded against individual queue entries.
func IsAbort(err error) bool {
	return KindOf(err) == KindAuth || errors.Is(err, ErrMissingEndpoint)
}
