package mpl

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection, reactor, server and client operations.
var (
	// ErrConnectionClosed is returned when queueing on a connection that is
	// no longer connected.
	ErrConnectionClosed = errors.New("mpl: connection closed")
	// ErrMessageTooLarge is returned when a frame announces a payload larger
	// than the configured maximum message size.
	ErrMessageTooLarge = errors.New("mpl: message too large")
	// ErrReactorStopped is returned when handing a socket to a stopped reactor.
	ErrReactorStopped = errors.New("mpl: reactor stopped")
	// ErrInvalidListener is returned when no connection listener is provided.
	ErrInvalidListener = errors.New("mpl: invalid connection listener")
	// ErrInvalidCodec is returned when a nil codec is configured.
	ErrInvalidCodec = errors.New("mpl: invalid codec")
	// ErrInvalidHandlerCount is returned when the server pool size is below one.
	ErrInvalidHandlerCount = errors.New("mpl: handler count must be positive")
	// ErrAlreadyStarted is returned by StartSync on a server that was started before.
	ErrAlreadyStarted = errors.New("mpl: already started")
	// ErrUnsupportedPlatform is returned where no readiness demultiplexer exists.
	ErrUnsupportedPlatform = errors.New("mpl: platform not supported")
)

// EncodeError reports a message the codec could not serialize. It is fatal
// to the connection: once part of a frame may have been produced the
// stream's frame boundaries can no longer be trusted.
type EncodeError struct {
	Message Message
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("mpl: encode %T: %v", e.Message, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *EncodeError) Unwrap() error { return e.Err }

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *EncodeError) Cause() error { return e.Err }

// DecodeError reports a frame whose payload the codec could not parse.
// The connection survives and the next frame is still attempted.
type DecodeError struct {
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mpl: decode %d byte frame: %v", e.Length, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *DecodeError) Unwrap() error { return e.Err }

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *DecodeError) Cause() error { return e.Err }
