package mpl

import (
	"net"

	"github.com/pkg/errors"
)

// IOEvents is a bitmask of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

func (e IOEvents) readable() bool {
	return e&(EventRead|EventError|EventHangup) != 0
}

func (e IOEvents) writable() bool {
	return e&EventWrite != 0
}

// readyEvent is one readiness notification returned by a demultiplexer wait.
type readyEvent struct {
	fd     int
	events IOEvents
}

// demultiplexer is the readiness multiplexer a Reactor blocks on.
//
// add, remove and wait are only ever called by the owning goroutine.
// modify and wakeup may be called from any goroutine. Wake-up notifications
// are consumed internally and never surface from wait.
type demultiplexer interface {
	add(fd int, events IOEvents) error
	modify(fd int, events IOEvents) error
	remove(fd int) error
	// wait blocks until at least one registered descriptor is ready, a
	// wake-up arrives or timeoutMs elapses (negative blocks forever).
	wait(events []readyEvent, timeoutMs int) (int, error)
	wakeup() error
	close() error
}

// rawSocket is a connected, non-blocking stream socket.
//
// Read and Write never block. (0, nil) means the operation would block;
// Read reports an orderly peer shutdown as io.EOF.
type rawSocket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Shutdown disables further sends and receives without releasing the
	// descriptor, so the number cannot be recycled while still registered.
	Shutdown() error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var (
	errWouldBlock   = errors.New("mpl: operation would block")
	errPollerClosed = errors.New("mpl: demultiplexer closed")
)
