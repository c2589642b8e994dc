package session

import (
	"errors"
	"fmt"

	"github.com/geocatch/client/internal/capture"
)

// Kind classifies a failure before it is allowed near coordinator state.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors this package did not classify.
	KindUnknown Kind = iota
	// KindFatal halts session start and is shown to the player. Never retried.
	KindFatal
	// KindTransient covers refresh, telemetry and fallback failures. Logged and dropped.
	KindTransient
	// KindRejected is a denied capture. Shown to the player with the backend's reason.
	KindRejected
	// KindSecondary is a failed confirmation. Logged only.
	KindSecondary
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

var (
	// ErrOutOfRange is the client-side capture short-circuit.
	ErrOutOfRange = capture.ErrOutOfRange
	// ErrNotFound means the entity is not in the current nearby list.
	ErrNotFound = errors.New("entity not in nearby list")
	// ErrCaptureInFlight means another capture has not resolved yet.
	ErrCaptureInFlight = errors.New("capture already in flight")
	// ErrNoSession means the operation needs an active session.
	ErrNoSession = errors.New("no active session")
	// ErrBusy means the coordinator is starting or ending a session.
	ErrBusy = errors.New("session transition in progress")
	// ErrNoFix means no location fix is available yet.
	ErrNoFix = errors.New("location unavailable")
	// ErrStopped is returned once the coordinator loop has exited.
	ErrStopped = errors.New("coordinator stopped")
)

// Error is a classified failure of a coordinator operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var rej *capture.RejectedError
	if errors.As(err, &rej) || errors.Is(err, ErrOutOfRange) {
		return KindRejected
	}
	return KindUnknown
}
