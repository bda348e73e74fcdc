package mpl

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math"

	"github.com/pkg/errors"
)

// lengthPrefixSize is the size of the big-endian payload length that
// precedes every frame on the wire.
const lengthPrefixSize = 4

// Frame returns the wire segments for payload: the 4-byte big-endian length
// prefix followed by the payload itself. Codecs return its result from Encode.
func Frame(payload []byte) [][]byte {
	prefix := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	return [][]byte{prefix, payload}
}

// GobCodec is the default codec. Each frame carries one gob-encoded interface
// value, so any type known to gob round-trips. Concrete types other than the
// gob built-ins must be registered with gob.Register before use.
type GobCodec struct{}

// Register records the concrete type of value so GobCodec can carry it.
func Register(value any) {
	gob.Register(value)
}

// Encode gob-encodes m into a single frame.
func (GobCodec) Encode(m Message) ([][]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, errors.Wrap(err, "gob encode")
	}
	if uint64(buf.Len()) > math.MaxUint32 {
		return nil, ErrMessageTooLarge
	}
	return Frame(buf.Bytes()), nil
}

// Decode gob-decodes one interface value from payload.
func (GobCodec) Decode(payload []byte) (Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "gob decode")
	}
	return m, nil
}

// RawCodec passes byte slices through untouched. Encode accepts []byte or
// string; Decode yields the payload as []byte.
type RawCodec struct{}

// Encode frames a []byte or string message.
func (RawCodec) Encode(m Message) ([][]byte, error) {
	switch v := m.(type) {
	case []byte:
		if uint64(len(v)) > math.MaxUint32 {
			return nil, ErrMessageTooLarge
		}
		return Frame(v), nil
	case string:
		if uint64(len(v)) > math.MaxUint32 {
			return nil, ErrMessageTooLarge
		}
		return Frame([]byte(v)), nil
	default:
		return nil, errors.Errorf("raw codec: unsupported message type %T", m)
	}
}

// Decode returns the payload itself.
func (RawCodec) Decode(payload []byte) (Message, error) {
	return payload, nil
}
