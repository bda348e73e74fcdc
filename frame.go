package mpl

import (
	"encoding/binary"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// frameState is the position of a frameReader within the current frame.
type frameState uint8

const (
	// awaitingLength: accumulating the 4-byte prefix, accumulated bytes so far.
	awaitingLength frameState = iota
	// awaitingPayload: filling a payload buffer, remaining bytes still missing.
	awaitingPayload
)

func (s frameState) String() string {
	switch s {
	case awaitingLength:
		return "AwaitingLength"
	case awaitingPayload:
		return "AwaitingPayload"
	default:
		return "Unknown"
	}
}

// nonblockingReader reads without blocking: (0, nil) means no data is
// available right now.
type nonblockingReader interface {
	Read(p []byte) (int, error)
}

// frameReader reassembles length-prefixed frames from arbitrarily split
// reads. Every read is sized to the exact remainder of the current prefix or
// payload, so no byte belonging to the next frame is ever consumed early and
// resuming after a partial read needs no buffering beyond the current frame.
type frameReader struct {
	state       frameState
	prefix      [lengthPrefixSize]byte
	accumulated int
	remaining   int
	payload     []byte

	complete *queue.Queue // of []byte, filled payloads in arrival order
	maxSize  int
}

func newFrameReader(maxSize int) *frameReader {
	return &frameReader{
		complete: queue.New(),
		maxSize:  maxSize,
	}
}

// fill reads from r until it would block. Completed payloads are queued for
// next. An error means the stream is unusable: either r failed or a frame
// announced more than maxSize bytes.
func (f *frameReader) fill(r nonblockingReader) (int, error) {
	total := 0
	for {
		n, err := r.Read(f.window())
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		if err = f.advance(n); err != nil {
			return total, err
		}
	}
}

// window is the slice the next read must land in.
func (f *frameReader) window() []byte {
	if f.state == awaitingPayload {
		return f.payload[len(f.payload)-f.remaining:]
	}
	return f.prefix[f.accumulated:]
}

func (f *frameReader) advance(n int) error {
	switch f.state {
	case awaitingLength:
		f.accumulated += n
		if f.accumulated < lengthPrefixSize {
			return nil
		}
		f.accumulated = 0

		size := binary.BigEndian.Uint32(f.prefix[:])
		if uint64(size) > uint64(f.maxSize) {
			return errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds limit of %d", size, f.maxSize)
		}
		if size == 0 {
			f.complete.Add([]byte{})
			return nil
		}
		f.payload = make([]byte, size)
		f.remaining = int(size)
		f.state = awaitingPayload

	case awaitingPayload:
		f.remaining -= n
		if f.remaining > 0 {
			return nil
		}
		f.complete.Add(f.payload)
		f.payload = nil
		f.state = awaitingLength
	}
	return nil
}

// next pops the oldest completed payload.
func (f *frameReader) next() ([]byte, bool) {
	if f.complete.Length() == 0 {
		return nil, false
	}
	return f.complete.Remove().([]byte), true
}

// release drops every buffered byte.
func (f *frameReader) release() {
	f.complete = queue.New()
	f.payload = nil
	f.state = awaitingLength
	f.accumulated = 0
	f.remaining = 0
}
