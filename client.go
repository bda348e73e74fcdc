package mpl

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/errgroup"
)

// client lifecycle
const (
	clientIdle = iota
	clientActive
	clientStopped
)

var errClientStopped = errors.New("mpl: client disconnected while connecting")

// Client dials one server and services the resulting connection on a
// private reactor. When that connection ends the client shuts itself down.
type Client struct {
	address string
	logger  Logger
	reactor *Reactor

	mu         sync.Mutex
	lifecycle  int
	dialPoller demultiplexer
	conn       *Connection

	group    errgroup.Group
	quit     syncx.DoneChan
	quitOnce sync.Once
}

// clientListener disconnects the client once its only connection is gone.
type clientListener struct {
	ListenerWrapper
	client *Client
}

func (l clientListener) OnConnect(c *Connection) {
	l.client.mu.Lock()
	l.client.conn = c
	l.client.mu.Unlock()
	l.ListenerWrapper.OnConnect(c)
}

func (l clientListener) OnDisconnect(c *Connection) {
	defer l.client.Disconnect()
	l.ListenerWrapper.OnDisconnect(c)
}

// NewClient creates a client for address ("host:port"). Nothing is dialed
// until Connect.
func NewClient(address string, listener ConnectionListener, opt ...Option) (*Client, error) {
	if listener == nil {
		return nil, ErrInvalidListener
	}
	opts, err := resolveOptions(opt)
	if err != nil {
		return nil, err
	}

	c := &Client{
		address: address,
		logger:  opts.logger,
		quit:    syncx.NewDoneChan(),
	}
	c.reactor, err = NewReactor(clientListener{ListenerWrapper: WrapListener(listener), client: c}, opt...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials asynchronously. On success the connection is handed to the
// client's reactor and OnConnect follows; on failure OnConnectionError is
// called with a nil connection and the client stops.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.lifecycle != clientIdle {
		c.mu.Unlock()
		c.logger.Warn("client already connected", "address", c.address)
		return
	}
	c.lifecycle = clientActive
	c.mu.Unlock()

	c.group.Go(c.run)
}

func (c *Client) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle == clientActive
}

func (c *Client) run() error {
	sock, err := c.establish()
	if err != nil {
		c.reactor.Stop()
		<-c.reactor.Done()
		if err == errClientStopped {
			c.logger.Debug("connect abandoned", "address", c.address)
			return nil
		}
		c.logger.Error("connect failed", "address", c.address, "error", err)
		guard(c.logger, "OnConnectionError", func() {
			c.reactor.listener.OnConnectionError(nil, err)
		})
		c.Disconnect()
		return err
	}

	c.reactor.Start()
	c.logger.Info("client connected", "local_addr", sock.LocalAddr(), "remote_addr", sock.RemoteAddr())

	<-c.quit
	c.reactor.Stop()
	<-c.reactor.Done()
	c.logger.Info("client stopped", "address", c.address)
	return nil
}

// establish dials and hands the socket to the reactor.
func (c *Client) establish() (rawSocket, error) {
	fd, err := c.dial()
	if err != nil {
		return nil, err
	}
	sock, err := socketFromFD(fd)
	if err != nil {
		_ = closeFD(fd)
		return nil, err
	}
	if err = c.reactor.manage(sock); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return sock, nil
}

// dial completes a non-blocking connect, waiting for writability on a
// short-lived demultiplexer so Disconnect can interrupt it.
func (c *Client) dial() (int, error) {
	poller, err := newDemultiplexer(1)
	if err != nil {
		return -1, errors.Wrap(err, "open dial demultiplexer")
	}
	defer poller.close()

	c.mu.Lock()
	if c.lifecycle != clientActive {
		c.mu.Unlock()
		return -1, errClientStopped
	}
	c.dialPoller = poller
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialPoller = nil
		c.mu.Unlock()
	}()

	fd, err := startDial(c.address)
	if err != nil {
		return -1, err
	}
	if err = poller.add(fd, EventWrite); err != nil {
		_ = closeFD(fd)
		return -1, err
	}

	events := make([]readyEvent, 1)
	for {
		if !c.active() {
			_ = closeFD(fd)
			return -1, errClientStopped
		}
		n, err := poller.wait(events, -1)
		if err != nil {
			_ = closeFD(fd)
			return -1, err
		}
		if n == 0 || events[0].fd != fd {
			continue
		}
		_ = poller.remove(fd)
		if err = finishDial(fd); err != nil {
			_ = closeFD(fd)
			return -1, err
		}
		return fd, nil
	}
}

// Disconnect stops the client, disconnecting its connection if there is
// one. It is idempotent, safe from listener callbacks and does not wait;
// use Wait for that.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.lifecycle
	c.lifecycle = clientStopped
	poller := c.dialPoller
	c.mu.Unlock()

	switch prev {
	case clientIdle:
		// Never connected: release the reactor here.
		c.reactor.Stop()
	case clientActive:
		c.quitOnce.Do(c.quit.SetDone)
		if poller != nil {
			if err := poller.wakeup(); err != nil && !errors.Is(err, errPollerClosed) {
				c.logger.Debug("wakeup failed", "error", err)
			}
		}
	}
}

// Wait blocks until the client has stopped and returns the connect error,
// if any.
func (c *Client) Wait() error {
	return c.group.Wait()
}

// Connection returns the established connection, or nil before OnConnect.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Reactor returns the reactor servicing the client's connection.
func (c *Client) Reactor() *Reactor {
	return c.reactor
}
