// Package mpl is a bidirectional, message-oriented TCP transport.
//
// Client and Server exchange discrete application messages over persistent
// connections. Each message travels as one frame, a 4-byte big-endian
// payload length followed by the payload, produced and parsed by a pluggable
// Codec. Connections are serviced by Reactors: each Reactor owns one epoll
// instance and one goroutine locked to its OS thread, and drives the
// non-blocking read/write state machine of every Connection handed to it.
// Application code observes the transport through a ConnectionListener and
// sends with Connection.QueueMessage from any goroutine.
package mpl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/someonegg/gox/syncx"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	// StateConnecting: handed to a reactor, not yet registered.
	StateConnecting ConnState = iota
	// StateConnected: registered and exchanging messages.
	StateConnected
	// StateDisconnecting: disconnect requested, awaiting reactor cleanup.
	StateDisconnecting
	// StateDisconnected: socket closed and buffers released. Terminal.
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Statistics holds per-connection traffic counters.
type Statistics struct {
	// QueuedCount is the number of messages accepted by QueueMessage.
	QueuedCount int64
	// EncodedCount is the number of messages encoded onto the socket queue.
	EncodedCount int64
	// WrittenBytes is the number of bytes the socket accepted.
	WrittenBytes int64
	// ReadCount is the number of messages decoded and delivered.
	ReadCount int64
	// ReadBytes is the number of bytes read from the socket.
	ReadBytes int64
}

// connStats holds the live counters behind Statistics. Typed atomics are
// 8-byte aligned on every platform, including 386 and arm.
type connStats struct {
	queuedCount  atomic.Int64
	encodedCount atomic.Int64
	writtenBytes atomic.Int64
	readCount    atomic.Int64
	readBytes    atomic.Int64
}

var lastConnID atomic.Uint64

// Connection is one framed message channel between two hosts.
//
// Only the owning Reactor's goroutine reads, writes and releases a
// Connection's buffers. Other goroutines may only QueueMessage and
// Disconnect.
type Connection struct {
	id       uint64
	reactor  *Reactor
	sock     rawSocket
	codec    Codec
	listener ConnectionListener
	logger   Logger

	mu         sync.Mutex // guards queued, writeArmed and state transitions
	state      atomic.Int32
	queued     *queue.Queue // of Message
	writeArmed bool

	reader    *frameReader
	segments  *queue.Queue // of []byte, encoded and not yet written
	segOffset int          // bytes of the head segment already written

	done     syncx.DoneChan
	doneOnce sync.Once

	stat connStats
}

func newConnection(r *Reactor, sock rawSocket) *Connection {
	c := &Connection{
		id:       lastConnID.Add(1),
		reactor:  r,
		sock:     sock,
		codec:    r.opts.codec,
		listener: r.listener,
		logger:   r.logger,
		queued:   queue.New(),
		reader:   newFrameReader(r.opts.maxMessageSize),
		segments: queue.New(),
		done:     syncx.NewDoneChan(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the process-unique identifier of the connection.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Reactor returns the reactor servicing the connection.
func (c *Connection) Reactor() *Reactor { return c.reactor }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr { return c.sock.LocalAddr() }

// IsSameHostAs reports whether other is connected to the same remote host.
func (c *Connection) IsSameHostAs(other *Connection) bool {
	if other == nil {
		return false
	}
	a, ok1 := c.RemoteAddr().(*net.TCPAddr)
	b, ok2 := other.RemoteAddr().(*net.TCPAddr)
	return ok1 && ok2 && a.IP.Equal(b.IP)
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%d, remote=%v, state=%s}", c.id, c.RemoteAddr(), c.State())
}

// Statistics returns a snapshot of the traffic counters.
func (c *Connection) Statistics() Statistics {
	return Statistics{
		QueuedCount:  c.stat.queuedCount.Load(),
		EncodedCount: c.stat.encodedCount.Load(),
		WrittenBytes: c.stat.writtenBytes.Load(),
		ReadCount:    c.stat.readCount.Load(),
		ReadBytes:    c.stat.readBytes.Load(),
	}
}

// WriteInterest reports whether the connection is currently asking its
// reactor for write-readiness events.
func (c *Connection) WriteInterest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeArmed
}

// Done is closed once the connection reaches StateDisconnected.
func (c *Connection) Done() syncx.DoneChanR {
	return c.done.R()
}

// AwaitDisconnect blocks until the connection is disconnected or ctx ends.
func (c *Connection) AwaitDisconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueMessage queues m for sending. It is safe to call from any goroutine;
// delivery order matches queueing order. It returns ErrConnectionClosed once
// the connection is no longer connected.
func (c *Connection) QueueMessage(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateConnected {
		return ErrConnectionClosed
	}
	c.queued.Add(m)
	c.stat.queuedCount.Add(1)
	c.armWriteLocked()
	return nil
}

func (c *Connection) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateConnecting {
		c.state.Store(int32(StateConnected))
	}
}

// armWriteLocked requests write readiness. Arming twice is a no-op.
func (c *Connection) armWriteLocked() {
	if c.writeArmed {
		return
	}
	c.writeArmed = true
	if err := c.reactor.poller.modify(c.sock.Fd(), EventRead|EventWrite); err != nil {
		c.logger.Debug("arm write interest failed", "conn_id", c.id, "error", err)
	}
	if err := c.reactor.poller.wakeup(); err != nil {
		c.logger.Debug("wakeup failed", "conn_id", c.id, "error", err)
	}
}

// disarmWriteLocked stops write readiness events so an idle connection is
// not scheduled again until something is queued.
func (c *Connection) disarmWriteLocked() {
	if !c.writeArmed {
		return
	}
	c.writeArmed = false
	if err := c.reactor.poller.modify(c.sock.Fd(), EventRead); err != nil {
		c.logger.Debug("disarm write interest failed", "conn_id", c.id, "error", err)
	}
}

// handleRead drains the socket and delivers every completed frame. A
// returned error is a transport error; frames completed before it are still
// delivered.
func (c *Connection) handleRead() error {
	n, err := c.reader.fill(c.sock)
	c.stat.readBytes.Add(int64(n))

	c.deliverFrames()

	if err != nil && c.State() == StateConnected {
		return err
	}
	return nil
}

func (c *Connection) deliverFrames() {
	for c.State() == StateConnected {
		payload, ok := c.reader.next()
		if !ok {
			return
		}

		m, err := c.codec.Decode(payload)
		if err != nil {
			derr := &DecodeError{Length: len(payload), Err: err}
			c.logger.Warn("message could not be deserialized", "conn_id", c.id, "error", derr)
			guard(c.logger, "OnDeserializationError", func() {
				c.listener.OnDeserializationError(c, derr)
			})
			continue
		}

		c.stat.readCount.Add(1)
		guard(c.logger, "OnMessageReceived", func() {
			c.listener.OnMessageReceived(c, m)
		})
	}
}

// handleWrite encodes newly queued messages and writes pending segments
// until the socket stops accepting bytes.
func (c *Connection) handleWrite() error {
	c.mu.Lock()
	if c.segments.Length() == 0 && c.queued.Length() == 0 {
		c.disarmWriteLocked()
		c.mu.Unlock()
		return nil
	}
	msgs := make([]Message, 0, c.queued.Length())
	for c.queued.Length() > 0 {
		msgs = append(msgs, c.queued.Remove())
	}
	c.mu.Unlock()

	for _, m := range msgs {
		segs, err := c.codec.Encode(m)
		if err != nil {
			eerr := &EncodeError{Message: m, Err: err}
			c.logger.Error("message could not be serialized", "conn_id", c.id, "error", eerr)
			guard(c.logger, "OnSerializationError", func() {
				c.listener.OnSerializationError(c, eerr)
			})
			c.Disconnect()
			return nil
		}
		for _, seg := range segs {
			if len(seg) > 0 {
				c.segments.Add(seg)
			}
		}
		c.stat.encodedCount.Add(1)
	}

	for c.segments.Length() > 0 {
		pending := c.segments.Peek().([]byte)[c.segOffset:]
		n, err := c.sock.Write(pending)
		c.stat.writtenBytes.Add(int64(n))
		if err != nil {
			if c.State() != StateConnected {
				return nil
			}
			return err
		}
		if n < len(pending) {
			// Short write: stay armed and resume on the next writable event.
			c.segOffset += n
			return nil
		}
		c.segments.Remove()
		c.segOffset = 0
	}

	c.mu.Lock()
	if c.queued.Length() == 0 {
		c.disarmWriteLocked()
	}
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection. It is idempotent and safe to call from
// any goroutine. The socket is shut down immediately; the owning reactor
// then releases it and delivers OnDisconnect exactly once. Messages still
// queued are dropped and a partially written frame is abandoned.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateConnecting, StateConnected:
	default:
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.queued = queue.New()

	if err := c.sock.Shutdown(); err != nil {
		c.logger.Debug("socket shutdown failed", "conn_id", c.id, "error", err)
	}
	// Queued while still holding mu so a concurrent reactor teardown that
	// finds the connection already disconnecting also finds it queued.
	c.reactor.notifyDisconnected(c)
}

// finalize closes the socket and releases buffers. It runs on the reactor
// goroutine and reports whether this call performed the transition.
func (c *Connection) finalize() bool {
	c.mu.Lock()
	if c.State() == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state.Store(int32(StateDisconnected))
	c.queued = queue.New()
	c.writeArmed = false
	c.mu.Unlock()

	if err := c.sock.Close(); err != nil {
		c.logger.Debug("socket close failed", "conn_id", c.id, "error", err)
	}
	c.reader.release()
	c.segments = queue.New()
	c.segOffset = 0
	c.doneOnce.Do(c.done.SetDone)
	return true
}
