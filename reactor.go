package mpl

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
)

// reactor lifecycle
const (
	reactorIdle int32 = iota
	reactorRunning
	reactorStopping
	reactorStopped
)

// Reactor services a set of connections on one dedicated goroutine.
//
// Every cycle registers sockets handed over since the last one, blocks on
// the demultiplexer, releases connections that disconnected, then runs the
// read and write paths of each ready connection. The active registrations
// (conns) are touched only by the reactor goroutine; sockets to register
// and connections to release are collected from other goroutines under mu
// and merged at the top of a cycle and right after the wait.
type Reactor struct {
	listener ConnectionListener
	opts     options
	logger   Logger
	poller   demultiplexer

	mu        sync.Mutex
	lifecycle atomic.Int32 // transitions happen under mu
	pending   *queue.Queue // of rawSocket awaiting registration
	removals  []*Connection

	conns  map[int]*Connection
	count  atomic.Int64
	events []readyEvent

	stopped  syncx.DoneChan
	stopOnce sync.Once
}

// NewReactor creates a stopped reactor delivering events to listener.
func NewReactor(listener ConnectionListener, opt ...Option) (*Reactor, error) {
	if listener == nil {
		return nil, ErrInvalidListener
	}
	opts, err := resolveOptions(opt)
	if err != nil {
		return nil, err
	}

	poller, err := newDemultiplexer(opts.eventBufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "open demultiplexer")
	}
	return newReactor(listener, poller, opts), nil
}

func newReactor(listener ConnectionListener, poller demultiplexer, opts options) *Reactor {
	return &Reactor{
		listener: listener,
		opts:     opts,
		logger:   opts.logger,
		poller:   poller,
		pending:  queue.New(),
		conns:    make(map[int]*Connection),
		events:   make([]readyEvent, opts.eventBufferSize),
		stopped:  syncx.NewDoneChan(),
	}
}

// Start launches the event loop. Starting twice is a no-op.
func (r *Reactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lifecycle.CompareAndSwap(reactorIdle, reactorRunning) {
		r.logger.Warn("reactor already started")
		return
	}
	go r.run()
}

// Stop requests termination and wakes the loop. The loop force-disconnects
// every remaining connection before exiting; Done is closed afterwards.
// Stop does not wait and may be called from a listener callback.
func (r *Reactor) Stop() {
	r.mu.Lock()
	switch r.lifecycle.Load() {
	case reactorIdle:
		r.lifecycle.Store(reactorStopping)
		r.mu.Unlock()
		// Never started: nothing else will tear down.
		r.teardown()
		return
	case reactorRunning:
		r.lifecycle.Store(reactorStopping)
	}
	r.mu.Unlock()

	if err := r.poller.wakeup(); err != nil && !errors.Is(err, errPollerClosed) {
		r.logger.Debug("wakeup failed", "error", err)
	}
}

// Done is closed once the reactor has stopped and released its resources.
func (r *Reactor) Done() syncx.DoneChanR {
	return r.stopped.R()
}

// Len returns the number of registered connections.
func (r *Reactor) Len() int {
	return int(r.count.Load())
}

// ManageFD hands an established, connected stream socket to the reactor,
// which takes ownership of fd unless an error is returned. Registration
// happens on the reactor goroutine at the start of its next cycle.
func (r *Reactor) ManageFD(fd int) error {
	sock, err := socketFromFD(fd)
	if err != nil {
		return err
	}
	return r.manage(sock)
}

func (r *Reactor) manage(sock rawSocket) error {
	r.mu.Lock()
	if r.lifecycle.Load() >= reactorStopping {
		r.mu.Unlock()
		return ErrReactorStopped
	}
	r.pending.Add(sock)
	r.mu.Unlock()

	if err := r.poller.wakeup(); err != nil {
		r.logger.Debug("wakeup failed", "error", err)
	}
	return nil
}

// notifyDisconnected defers the release of c to the next checkpoint.
func (r *Reactor) notifyDisconnected(c *Connection) {
	r.mu.Lock()
	r.removals = append(r.removals, c)
	r.mu.Unlock()

	if err := r.poller.wakeup(); err != nil && !errors.Is(err, errPollerClosed) {
		r.logger.Debug("wakeup failed", "error", err)
	}
}

func (r *Reactor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer r.teardown()

	r.logger.Debug("reactor started")
	for r.lifecycle.Load() == reactorRunning {
		if err := r.cycle(-1); err != nil {
			// A failing wait does not recover; retrying would spin.
			r.logger.Error("demultiplexer wait failed, stopping reactor", "error", err)
			r.mu.Lock()
			r.lifecycle.Store(reactorStopping)
			r.mu.Unlock()
		}
	}
}

// cycle runs one iteration of the event loop. It returns the error of a
// failed wait.
func (r *Reactor) cycle(timeoutMs int) error {
	r.registerPending()

	n, err := r.poller.wait(r.events, timeoutMs)
	if err != nil {
		return err
	}

	r.processRemovals()

	for i := 0; i < n; i++ {
		r.dispatch(r.events[i])
	}
	return nil
}

func (r *Reactor) registerPending() {
	r.mu.Lock()
	if r.pending.Length() == 0 {
		r.mu.Unlock()
		return
	}
	socks := make([]rawSocket, 0, r.pending.Length())
	for r.pending.Length() > 0 {
		socks = append(socks, r.pending.Remove().(rawSocket))
	}
	r.mu.Unlock()

	for _, sock := range socks {
		c := newConnection(r, sock)
		if err := r.poller.add(sock.Fd(), EventRead); err != nil {
			r.logger.Error("could not register socket", "fd", sock.Fd(), "error", err)
			c.finalize()
			guard(r.logger, "OnConnectionError", func() {
				r.listener.OnConnectionError(c, err)
			})
			continue
		}

		r.conns[sock.Fd()] = c
		r.count.Add(1)
		c.markConnected()

		r.logger.Debug("connection registered", "conn_id", c.id, "fd", sock.Fd(), "remote_addr", sock.RemoteAddr())
		guard(r.logger, "OnConnect", func() {
			r.listener.OnConnect(c)
		})
	}
}

func (r *Reactor) processRemovals() {
	r.mu.Lock()
	list := r.removals
	r.removals = nil
	r.mu.Unlock()

	for _, c := range list {
		r.release(c)
	}
}

// release deregisters c, closes its socket and delivers OnDisconnect once.
func (r *Reactor) release(c *Connection) {
	r.deregister(c)
	if !c.finalize() {
		return
	}
	r.logger.Debug("connection disconnected", "conn_id", c.id)
	guard(r.logger, "OnDisconnect", func() {
		r.listener.OnDisconnect(c)
	})
}

func (r *Reactor) deregister(c *Connection) {
	fd := c.sock.Fd()
	if cur, ok := r.conns[fd]; !ok || cur != c {
		return
	}
	delete(r.conns, fd)
	r.count.Add(-1)
	if err := r.poller.remove(fd); err != nil {
		r.logger.Debug("could not deregister socket", "conn_id", c.id, "fd", fd, "error", err)
	}
}

// dispatch runs the read then write path of one ready connection. Errors
// and panics are confined to that connection.
func (r *Reactor) dispatch(ev readyEvent) {
	c, ok := r.conns[ev.fd]
	if !ok || c.State() != StateConnected {
		return
	}

	defer func() {
		if v := recover(); v != nil {
			r.connectionError(c, errors.Errorf("mpl: panic servicing connection: %v", v))
		}
	}()

	if ev.events.readable() {
		if err := c.handleRead(); err != nil {
			r.connectionError(c, err)
			return
		}
	}
	if ev.events.writable() && c.State() == StateConnected {
		if err := c.handleWrite(); err != nil {
			r.connectionError(c, err)
		}
	}
}

// connectionError tears c down after a transport error. OnDisconnect
// follows at the next checkpoint.
func (r *Reactor) connectionError(c *Connection, err error) {
	c.Disconnect()
	r.deregister(c)

	r.logger.Debug("connection error", "conn_id", c.id, "error", err)
	guard(r.logger, "OnConnectionError", func() {
		r.listener.OnConnectionError(c, err)
	})
}

// teardown force-disconnects every connection, delivers their OnDisconnect
// and releases the demultiplexer.
func (r *Reactor) teardown() {
	for _, c := range r.conns {
		c.Disconnect()
	}
	r.processRemovals()

	r.mu.Lock()
	r.lifecycle.Store(reactorStopped)
	var orphans []rawSocket
	for r.pending.Length() > 0 {
		orphans = append(orphans, r.pending.Remove().(rawSocket))
	}
	r.mu.Unlock()

	for _, sock := range orphans {
		if err := sock.Close(); err != nil {
			r.logger.Debug("socket close failed", "fd", sock.Fd(), "error", err)
		}
	}

	if err := r.poller.close(); err != nil {
		r.logger.Error("could not close demultiplexer", "error", err)
	}
	r.logger.Debug("reactor stopped")
	r.stopOnce.Do(r.stopped.SetDone)
}
