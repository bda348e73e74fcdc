package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/chriscz/mpl"
)

type ping struct {
	Seq int
}

type pong struct {
	Seq int
}

func init() {
	mpl.Register(ping{})
	mpl.Register(pong{})
}

// server answers every ping with a pong and tracks live connections.
type server struct {
	mpl.NopListener

	sync.RWMutex
	connections map[uint64]*mpl.Connection
}

func newServer() *server {
	return &server{connections: make(map[uint64]*mpl.Connection)}
}

func (s *server) OnConnect(c *mpl.Connection) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", c.ID(), "addr", c.RemoteAddr())
	s.connections[c.ID()] = c
}

func (s *server) OnDisconnect(c *mpl.Connection) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, c.ID())
	slog.Info("conn closed", "connID", c.ID(), "stats", c.Statistics())
}

func (s *server) OnMessageReceived(c *mpl.Connection, m mpl.Message) {
	if p, ok := m.(ping); ok {
		_ = c.QueueMessage(pong{Seq: p.Seq})
	}
}

func (s *server) OnServerStart(srv *mpl.Server) {
	slog.Info("server start", "addr", srv.Addr(), "handlers", len(srv.Reactors()))
}

func (s *server) OnServerStop(*mpl.Server) {
	s.RLock()
	defer s.RUnlock()
	slog.Info("server stopped", "open", len(s.connections))
}

func (s *server) OnServerError(_ *mpl.Server, err error) {
	slog.Error("server error", "error", err)
}

// client sends rounds pings one at a time and hangs up after the last pong.
type client struct {
	mpl.NopListener
	rounds int
	pongs  *atomic.Int64
}

func (c *client) OnConnect(conn *mpl.Connection) {
	_ = conn.QueueMessage(ping{Seq: 1})
}

func (c *client) OnMessageReceived(conn *mpl.Connection, m mpl.Message) {
	p, ok := m.(pong)
	if !ok {
		return
	}
	c.pongs.Add(1)
	if p.Seq >= c.rounds {
		conn.Disconnect()
		return
	}
	_ = conn.QueueMessage(ping{Seq: p.Seq + 1})
}

func (c *client) OnConnectionError(conn *mpl.Connection, err error) {
	if conn == nil {
		slog.Error("connect failed", "error", err)
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:12345", "listen address")
	clients := flag.Int("clients", 4, "number of clients")
	rounds := flag.Int("rounds", 3, "ping rounds per client")
	handlers := flag.Int("handlers", 2, "server reactor pool size")
	flag.Parse()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := mpl.NewServer(*addr, newServer(), mpl.WithHandlerCount(*handlers))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}
	if err = srv.StartSync(); err != nil {
		slog.Error("failed to start server", "error", err)
		return
	}

	var pongs atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		c, err := mpl.NewClient(srv.Addr().String(), &client{rounds: *rounds, pongs: &pongs})
		if err != nil {
			slog.Error("failed to create client", "error", err)
			continue
		}
		c.Connect()

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Wait()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all clients finished", "pongs", pongs.Load())
	case <-ctx.Done():
		slog.Info("shutting down server...")
	}

	srv.Disconnect()
	if err = srv.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}
}
