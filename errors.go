package protoclient

import (
	stderrors "errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument for malformed encode inputs or an oversized payload
	ErrInvalidArgument = stderrors.New("protoclient: invalid argument")
	// ErrInvalidState for feeding a broken composer or using a client in the wrong state
	ErrInvalidState = stderrors.New("protoclient: invalid state")
	// ErrAlreadyConnected is returned by Connect on a client that is connecting or connected
	ErrAlreadyConnected = stderrors.New("protoclient: already connected")
	// ErrAlreadyClosed is returned when using a closed client
	ErrAlreadyClosed = stderrors.New("protoclient: already closed")
	// ErrNotConnected is returned by Send before Connect succeeded
	ErrNotConnected = stderrors.New("protoclient: not connected")
	// ErrTransport wraps socket level failures
	ErrTransport = stderrors.New("protoclient: transport error")
	// ErrCallTimeout is matched by every *TimeoutError
	ErrCallTimeout = stderrors.New("protoclient: call timeout")
	// ErrInvalidFrame is matched by every *FrameError
	ErrInvalidFrame = stderrors.New("protoclient: invalid frame")
)

// Kind classifies errors returned by this package.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInvalidState
	KindAlreadyConnected
	KindAlreadyClosed
	KindNotConnected
	KindTransport
	KindCallTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:          "Unknown",
	KindInvalidArgument:  "InvalidArgument",
	KindInvalidState:     "InvalidState",
	KindAlreadyConnected: "AlreadyConnected",
	KindAlreadyClosed:    "AlreadyClosed",
	KindNotConnected:     "NotConnected",
	KindTransport:        "TransportError",
	KindCallTimeout:      "CallTimeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf reports the kind of err, looking through wrapped errors.
// A framing error counts as a transport error since the stream can no longer be trusted.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case stderrors.Is(err, ErrCallTimeout):
		return KindCallTimeout
	case stderrors.Is(err, ErrTransport), stderrors.Is(err, ErrInvalidFrame):
		return KindTransport
	case stderrors.Is(err, ErrAlreadyConnected):
		return KindAlreadyConnected
	case stderrors.Is(err, ErrAlreadyClosed):
		return KindAlreadyClosed
	case stderrors.Is(err, ErrNotConnected):
		return KindNotConnected
	case stderrors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case stderrors.Is(err, ErrInvalidState):
		return KindInvalidState
	}
	return KindUnknown
}

// TimeoutError is delivered to a callback whose response did not arrive in time.
type TimeoutError struct {
	Command  uint16
	Sequence uint32
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("protoclient: call timeout, cmd %d seq %d after %v", e.Command, e.Sequence, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrCallTimeout
}

// FrameError puts the composer into its error state.
type FrameError struct {
	Length uint32
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protoclient: invalid frame length %d: %s", e.Length, e.Reason)
}

func (e *FrameError) Is(target error) bool {
	return target == ErrInvalidFrame
}

// transportError marks cause as a transport failure while keeping it reachable via errors.As.
type transportError struct {
	cause error
}

func (e *transportError) Error() string {
	return ErrTransport.Error() + ": " + e.cause.Error()
}

func (e *transportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *transportError) Unwrap() error {
	return e.cause
}

// Cause is for github.com/pkg/errors.Cause
func (e *transportError) Cause() error {
	return e.cause
}

func asTransport(err error) error {
	if err == nil || stderrors.Is(err, ErrTransport) {
		return err
	}
	return &transportError{cause: err}
}
