package mpl

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePoller records interest changes; wait returns scripted batches.
type fakePoller struct {
	mu       sync.Mutex
	interest map[int]IOEvents
	scripted [][]readyEvent
	addErr   error
	waitErr  error
	waits    int
	wakeups  int
	closed   bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{interest: make(map[int]IOEvents)}
}

func (p *fakePoller) add(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.interest[fd] = events
	return nil
}

func (p *fakePoller) modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interest[fd] = events
	return nil
}

func (p *fakePoller) remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interest, fd)
	return nil
}

func (p *fakePoller) wait(events []readyEvent, _ int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPollerClosed
	}
	p.waits++
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	if len(p.scripted) == 0 {
		return 0, nil
	}
	batch := p.scripted[0]
	p.scripted = p.scripted[1:]
	return copy(events, batch), nil
}

func (p *fakePoller) wakeup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeups++
	return nil
}

func (p *fakePoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePoller) script(events ...readyEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripted = append(p.scripted, events)
}

func (p *fakePoller) waitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

func (p *fakePoller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePoller) interestOf(fd int) (IOEvents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.interest[fd]
	return ev, ok
}

// fakeSocket serves queued chunks to Read, one chunk per call at most, and
// accepts at most writeLimit bytes per Write.
type fakeSocket struct {
	fd     int
	remote net.Addr

	mu         sync.Mutex
	in         [][]byte
	eof        bool
	readErr    error
	out        bytes.Buffer
	writeLimit int
	blocked    bool
	writeErr   error
	shutdowns  int
	closes     int
}

func newFakeSocket(fd int) *fakeSocket {
	return &fakeSocket{
		fd:     fd,
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + fd},
	}
}

// feed queues data split into chunks of at most size bytes.
func (s *fakeSocket) feed(data []byte, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(data) > 0 {
		n := size
		if n <= 0 || n > len(data) {
			n = len(data)
		}
		s.in = append(s.in, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
}

func (s *fakeSocket) Fd() int { return s.fd }

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) > 0 {
		n := copy(p, s.in[0])
		if n < len(s.in[0]) {
			s.in[0] = s.in[0][n:]
		} else {
			s.in = s.in[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blocked {
		return 0, nil
	}
	n := len(p)
	if s.writeLimit > 0 && n > s.writeLimit {
		n = s.writeLimit
	}
	s.out.Write(p[:n])
	return n, nil
}

func (s *fakeSocket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func (s *fakeSocket) RemoteAddr() net.Addr { return s.remote }

func (s *fakeSocket) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

func (s *fakeSocket) setBlocked(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = blocked
}

func (s *fakeSocket) counts() (shutdowns, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns, s.closes
}

// recordingListener records every event and forwards messages and
// connects to optional hooks.
type recordingListener struct {
	mu          sync.Mutex
	connected   []*Connection
	messages    []Message
	disconnects []*Connection
	connErrs    []error
	errConns    []*Connection
	decodeErrs  []error
	encodeErrs  []error
	serverErrs  []error
	starts      int
	stops       int

	onConnect func(c *Connection)
	onMessage func(c *Connection, m Message)

	started      chan struct{}
	stopped      chan struct{}
	disconnected chan *Connection
	failed       chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		started:      make(chan struct{}, 1),
		stopped:      make(chan struct{}, 1),
		disconnected: make(chan *Connection, 64),
		failed:       make(chan error, 64),
	}
}

func (l *recordingListener) OnConnect(c *Connection) {
	l.mu.Lock()
	l.connected = append(l.connected, c)
	hook := l.onConnect
	l.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (l *recordingListener) OnDisconnect(c *Connection) {
	l.mu.Lock()
	l.disconnects = append(l.disconnects, c)
	l.mu.Unlock()
	l.disconnected <- c
}

func (l *recordingListener) OnMessageReceived(c *Connection, m Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	hook := l.onMessage
	l.mu.Unlock()
	if hook != nil {
		hook(c, m)
	}
}

func (l *recordingListener) OnConnectionError(c *Connection, err error) {
	l.mu.Lock()
	l.connErrs = append(l.connErrs, err)
	l.errConns = append(l.errConns, c)
	l.mu.Unlock()
	l.failed <- err
}

func (l *recordingListener) OnDeserializationError(_ *Connection, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decodeErrs = append(l.decodeErrs, err)
}

func (l *recordingListener) OnSerializationError(_ *Connection, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.encodeErrs = append(l.encodeErrs, err)
}

func (l *recordingListener) OnServerStart(*Server) {
	l.mu.Lock()
	l.starts++
	l.mu.Unlock()
	l.started <- struct{}{}
}

func (l *recordingListener) OnServerStop(*Server) {
	l.mu.Lock()
	l.stops++
	l.mu.Unlock()
	l.stopped <- struct{}{}
}

func (l *recordingListener) OnServerError(_ *Server, err error) {
	l.mu.Lock()
	l.serverErrs = append(l.serverErrs, err)
	l.mu.Unlock()
	l.failed <- err
}

func (l *recordingListener) receivedMessages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

func (l *recordingListener) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.disconnects)
}

func (l *recordingListener) connectedConns() []*Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Connection(nil), l.connected...)
}

// newTestConnection registers one fake socket with a reactor driven by a
// fake poller and returns the resulting connection.
func newTestConnection(t *testing.T, listener ConnectionListener, opt ...Option) (*Connection, *fakeSocket, *fakePoller) {
	t.Helper()

	opts, err := resolveOptions(append([]Option{WithLogger(testLogger())}, opt...))
	require.NoError(t, err)

	poller := newFakePoller()
	r := newReactor(listener, poller, opts)
	sock := newFakeSocket(7)
	require.NoError(t, r.manage(sock))
	r.registerPending()

	c, ok := r.conns[sock.fd]
	require.True(t, ok)
	return c, sock, poller
}

// encodeFrames returns the wire bytes of payloads.
func encodeFrames(payloads ...string) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		for _, seg := range Frame([]byte(p)) {
			buf.Write(seg)
		}
	}
	return buf.Bytes()
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
