//go:build linux

package mpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReactor_ManageFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	peer := fds[1]
	defer unix.Close(peer)

	l := newRecordingListener()
	l.onMessage = func(c *Connection, m Message) {
		_ = c.QueueMessage(append([]byte("echo:"), m.([]byte)...))
	}
	r, err := NewReactor(l, WithCodec(RawCodec{}), WithLogger(testLogger()))
	require.NoError(t, err)
	r.Start()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	require.NoError(t, r.ManageFD(fds[0]))
	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = unix.Write(peer, encodeFrames("abc"))
	require.NoError(t, err)

	want := encodeFrames("echo:abc")
	got := make([]byte, 0, len(want))
	require.NoError(t, unix.SetsockoptTimeval(peer, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 5}))
	for len(got) < len(want) {
		buf := make([]byte, len(want)-len(got))
		n, err := unix.Read(peer, buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, want, got)

	r.Stop()
	waitDone(t, r.Done(), "reactor to stop")
	assert.Equal(t, 1, l.disconnectCount())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, ErrReactorStopped, r.ManageFD(peer))
}

func TestReactor_StartTwice(t *testing.T) {
	r, err := NewReactor(NopListener{}, WithLogger(testLogger()))
	require.NoError(t, err)

	r.Start()
	r.Start()
	r.Stop()
	waitDone(t, r.Done(), "reactor to stop")
}
