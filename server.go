package mpl

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/errgroup"
)

// acceptEventBufferSize bounds readiness events per accept-loop wait; the
// loop watches only the listening socket.
const acceptEventBufferSize = 4

var errServerStopped = errors.New("mpl: server stopped")

// Server accepts TCP connections and spreads them round-robin over a fixed
// pool of reactors. The accept loop runs on its own goroutine.
type Server struct {
	address        string
	serverListener ServerListener
	logger         Logger
	handlers       []*Reactor
	next           uint64 // accept goroutine only

	mu       sync.Mutex
	started  bool
	bound    bool
	stopping bool
	lfd      int
	addr     net.Addr
	poller   demultiplexer

	group   errgroup.Group
	stopped syncx.DoneChan
	once    sync.Once
}

// NewServer creates a server for address ("host:port") delivering
// connection events to listener. If listener also implements
// ServerListener it receives server events too, unless WithServerListener
// says otherwise. The reactor pool is created here; nothing is bound until
// Start, StartSync or Serve.
func NewServer(address string, listener ConnectionListener, opt ...ServerOption) (*Server, error) {
	if listener == nil {
		return nil, ErrInvalidListener
	}

	var opts serverOptions
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	if err := checkServerOptions(&opts); err != nil {
		return nil, err
	}
	ropts, err := resolveOptions(opts.reactor)
	if err != nil {
		return nil, err
	}

	sl := opts.serverListener
	if sl == nil {
		if l, ok := listener.(ServerListener); ok {
			sl = l
		} else {
			sl = NopListener{}
		}
	}

	s := &Server{
		address:        address,
		serverListener: sl,
		logger:         ropts.logger,
		handlers:       make([]*Reactor, 0, opts.handlerCount),
		lfd:            -1,
		stopped:        syncx.NewDoneChan(),
	}
	for i := 0; i < opts.handlerCount; i++ {
		r, err := NewReactor(listener, opts.reactor...)
		if err != nil {
			s.stopReactors()
			return nil, errors.Wrapf(err, "create handler %d", i)
		}
		s.handlers = append(s.handlers, r)
	}
	return s, nil
}

// Start binds and serves asynchronously. Startup errors are reported
// through OnServerError.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("server already started", "address", s.address)
		return
	}
	s.started = true
	s.mu.Unlock()

	s.group.Go(func() error {
		if err := s.bind(); err != nil {
			if err == errServerStopped {
				s.finish()
				return nil
			}
			s.logger.Error("server could not start", "address", s.address, "error", err)
			guard(s.logger, "OnServerError", func() {
				s.serverListener.OnServerError(s, err)
			})
			s.abort()
			return err
		}
		return s.serve()
	})
}

// StartSync binds on the calling goroutine, returning startup errors
// directly instead of through OnServerError, then serves asynchronously.
func (s *Server) StartSync() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.bind(); err != nil {
		s.abort()
		return err
	}
	s.group.Go(s.serve)
	return nil
}

// Serve binds, serves until ctx is canceled or the server is disconnected,
// and returns once the accept loop has finished.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.StartSync(); err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Disconnect()
		case <-s.stopped:
		}
	}()
	if err := s.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) bind() error {
	lfd, addr, err := listenTCP(s.address)
	if err != nil {
		return err
	}
	poller, err := newDemultiplexer(acceptEventBufferSize)
	if err != nil {
		_ = closeFD(lfd)
		return errors.Wrap(err, "open accept demultiplexer")
	}
	if err = poller.add(lfd, EventRead); err != nil {
		_ = poller.close()
		_ = closeFD(lfd)
		return err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = poller.close()
		_ = closeFD(lfd)
		return errServerStopped
	}
	s.lfd, s.addr, s.poller, s.bound = lfd, addr, poller, true
	s.mu.Unlock()

	for _, h := range s.handlers {
		h.Start()
	}

	s.logger.Info("server started", "addr", addr, "handlers", len(s.handlers))
	guard(s.logger, "OnServerStart", func() {
		s.serverListener.OnServerStart(s)
	})
	return nil
}

func (s *Server) serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound && !s.stopping
}

// serve is the accept loop.
func (s *Server) serve() error {
	defer s.shutdown()

	events := make([]readyEvent, acceptEventBufferSize)
	for s.serving() {
		n, err := s.poller.wait(events, -1)
		if err != nil {
			if !s.serving() {
				return nil
			}
			return s.fail(err)
		}

		for i := 0; i < n; i++ {
			if events[i].fd != s.lfd {
				continue
			}
			if err = s.acceptPending(); err != nil {
				return s.fail(err)
			}
		}
	}
	return nil
}

func (s *Server) fail(err error) error {
	s.logger.Error("accept loop failed", "addr", s.addr, "error", err)
	guard(s.logger, "OnServerError", func() {
		s.serverListener.OnServerError(s, err)
	})
	return err
}

// acceptPending accepts until the backlog is empty, handing every socket
// to the next reactor in the pool.
func (s *Server) acceptPending() error {
	for {
		fd, err := acceptTCP(s.lfd)
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			if isTransientAcceptError(err) {
				s.logger.Debug("accept aborted", "error", err)
				continue
			}
			return err
		}

		sock, err := socketFromFD(fd)
		if err != nil {
			s.logger.Warn("could not prepare accepted socket", "error", err)
			_ = closeFD(fd)
			continue
		}

		index, h := s.nextHandler()
		s.logger.Debug("accepted connection", "remote_addr", sock.RemoteAddr(), "handler", index)
		if err = h.manage(sock); err != nil {
			s.logger.Warn("handler refused connection", "handler", index, "error", err)
			_ = sock.Close()
		}
	}
}

// nextHandler picks handlers[next++ % len(handlers)].
func (s *Server) nextHandler() (int, *Reactor) {
	index := int(s.next % uint64(len(s.handlers)))
	s.next++
	return index, s.handlers[index]
}

// Disconnect stops accepting, stops every reactor in the pool (disconnecting
// their connections), closes the listening socket and fires OnServerStop.
// It is idempotent and does not wait; use Wait for that.
func (s *Server) Disconnect() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	bound, poller := s.bound, s.poller
	s.mu.Unlock()

	if bound {
		// The accept loop observes stopping and shuts down.
		if err := poller.wakeup(); err != nil {
			s.logger.Debug("wakeup failed", "error", err)
		}
		return
	}
	s.abort()
}

// abort releases the pool of a server that never bound.
func (s *Server) abort() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.stopReactors()
	s.finish()
}

// shutdown runs on the accept goroutine once the loop ends.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.stopping = true
	lfd, poller := s.lfd, s.poller
	s.mu.Unlock()

	s.stopReactors()
	if err := poller.close(); err != nil {
		s.logger.Debug("could not close accept demultiplexer", "error", err)
	}
	if err := closeFD(lfd); err != nil {
		s.logger.Debug("error while closing listening socket", "error", err)
	}

	s.logger.Info("server stopped", "addr", s.addr)
	guard(s.logger, "OnServerStop", func() {
		s.serverListener.OnServerStop(s)
	})
	s.finish()
}

func (s *Server) stopReactors() {
	for _, h := range s.handlers {
		h.Stop()
	}
	for _, h := range s.handlers {
		<-h.Done()
	}
}

func (s *Server) finish() {
	s.once.Do(s.stopped.SetDone)
}

// Wait blocks until the accept loop has finished and returns the error
// that ended it, if any.
func (s *Server) Wait() error {
	return s.group.Wait()
}

// Done is closed once the server has stopped.
func (s *Server) Done() syncx.DoneChanR {
	return s.stopped.R()
}

// Addr returns the bound address, or nil before the server is bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reactors returns the handler pool.
func (s *Server) Reactors() []*Reactor {
	return append([]*Reactor(nil), s.handlers...)
}
