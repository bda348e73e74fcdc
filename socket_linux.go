//go:build linux

package mpl

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdSocket is a non-blocking TCP socket driven directly through its
// descriptor, bypassing the Go runtime's netpoller.
type fdSocket struct {
	fd     int
	local  net.Addr
	remote net.Addr
}

// socketFromFD takes ownership of an established stream socket.
func socketFromFD(fd int) (rawSocket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "set nonblock")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	s := &fdSocket{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		s.local = sockaddrToTCPAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		s.remote = sockaddrToTCPAddr(sa)
	}
	return s, nil
}

func (s *fdSocket) Fd() int { return s.fd }

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, errors.Wrap(err, "read")
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, errors.Wrap(err, "write")
		}
		return n, nil
	}
}

func (s *fdSocket) Shutdown() error {
	err := unix.Shutdown(s.fd, unix.SHUT_RDWR)
	if err == unix.ENOTCONN {
		return nil
	}
	return errors.Wrap(err, "shutdown")
}

func (s *fdSocket) Close() error {
	return errors.Wrap(closeFD(s.fd), "close")
}

func (s *fdSocket) LocalAddr() net.Addr  { return s.local }
func (s *fdSocket) RemoteAddr() net.Addr { return s.remote }

func closeFD(fd int) error {
	return unix.Close(fd)
}

// listenTCP binds a non-blocking listening socket with SO_REUSEADDR set.
func listenTCP(address string) (int, net.Addr, error) {
	sa, family, err := resolveSockaddr(address)
	if err != nil {
		return -1, nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrapf(err, "bind %s", address)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "listen")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "getsockname")
	}
	return fd, sockaddrToTCPAddr(bound), nil
}

// acceptTCP accepts one pending connection, returning errWouldBlock when
// the backlog is empty.
func acceptTCP(lfd int) (int, error) {
	for {
		fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return -1, errWouldBlock
		case err != nil:
			return -1, errors.Wrap(err, "accept")
		}
		return fd, nil
	}
}

// isTransientAcceptError reports accept failures that concern a single
// aborted handshake rather than the listening socket.
func isTransientAcceptError(err error) bool {
	switch errors.Cause(err) {
	case unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
		return true
	}
	return false
}

// startDial opens a non-blocking socket and begins connecting it. The
// returned descriptor becomes writable once the connect completes.
func startDial(address string) (int, error) {
	sa, family, err := resolveSockaddr(address)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s", address)
	}
	return fd, nil
}

// finishDial reports the outcome of a connect started by startDial.
func finishDial(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if soerr != 0 {
		return errors.Wrap(unix.Errno(soerr), "connect")
	}
	return nil
}

func resolveSockaddr(address string) (unix.Sockaddr, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolve %s", address)
	}

	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}
		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}
