package mpl

// Message is an opaque application-level payload. The transport never
// inspects it; it is handed to the Codec as an uninterpreted unit.
type Message = any

// Codec is the interface for message encoding and decoding.
// Applications should implement this interface to define their own
// message serialization format (e.g., JSON, Protocol Buffers, etc.).
//
// Framing is split between the two directions. On the way out the codec
// owns the frame: Encode returns one or more byte segments that are written
// to the socket back to back, the first conventionally being the 4-byte
// big-endian length prefix (see Frame). On the way in the connection strips
// the prefix and Decode receives exactly the payload bytes of one frame.
//
// A Decode error is reported and the connection carries on with the next
// frame. An Encode error is fatal to the connection.
//
// Codecs are shared by every connection of a Reactor and must be safe for
// concurrent use.
type Codec interface {
	// Encode serializes a message into one or more wire segments.
	Encode(Message) ([][]byte, error)
	// Decode parses the payload of exactly one frame.
	Decode(payload []byte) (Message, error)
}
