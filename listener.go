package mpl

// ConnectionListener receives connection events.
//
// Callbacks run synchronously on the reactor goroutine that detected the
// event, so they should return quickly. A server runs one reactor per
// handler, and one listener value is shared by all of them: implementations
// must be safe for concurrent use. A panicking callback is recovered and
// logged; it never stops the reactor.
type ConnectionListener interface {
	// OnConnect is called once the connection is registered and may send.
	OnConnect(c *Connection)
	// OnDisconnect is called exactly once per connected connection, after
	// its socket was closed. It may be preceded by OnConnectionError or
	// OnSerializationError when an error caused the disconnect.
	OnDisconnect(c *Connection)
	// OnMessageReceived is called for every decoded message, in arrival order.
	OnMessageReceived(c *Connection, m Message)
	// OnConnectionError reports a transport error. The connection is torn
	// down. A Client reports connect failures with a nil connection.
	OnConnectionError(c *Connection, err error)
	// OnDeserializationError reports a frame the codec could not decode.
	// The connection stays up.
	OnDeserializationError(c *Connection, err error)
	// OnSerializationError reports a message the codec could not encode.
	// The connection is torn down.
	OnSerializationError(c *Connection, err error)
}

// ServerListener receives server lifecycle events.
type ServerListener interface {
	OnServerStart(s *Server)
	OnServerStop(s *Server)
	OnServerError(s *Server, err error)
}

// NopListener implements ConnectionListener and ServerListener with no-op
// methods. Embed it to implement only the callbacks you need.
type NopListener struct{}

func (NopListener) OnConnect(*Connection)                     {}
func (NopListener) OnDisconnect(*Connection)                  {}
func (NopListener) OnMessageReceived(*Connection, Message)    {}
func (NopListener) OnConnectionError(*Connection, error)      {}
func (NopListener) OnDeserializationError(*Connection, error) {}
func (NopListener) OnSerializationError(*Connection, error)   {}
func (NopListener) OnServerStart(*Server)                     {}
func (NopListener) OnServerStop(*Server)                      {}
func (NopListener) OnServerError(*Server, error)              {}

// ListenerWrapper decorates a ConnectionListener. Every method forwards to
// the wrapped listener; embed ListenerWrapper and override the methods that
// need extra behaviour:
//
//	type closeOnError struct{ mpl.ListenerWrapper }
//
//	func (l closeOnError) OnDeserializationError(c *mpl.Connection, err error) {
//		l.ListenerWrapper.OnDeserializationError(c, err)
//		c.Disconnect()
//	}
type ListenerWrapper struct {
	ConnectionListener
}

// WrapListener returns a ListenerWrapper forwarding to l.
func WrapListener(l ConnectionListener) ListenerWrapper {
	return ListenerWrapper{ConnectionListener: l}
}
