//go:build !linux

package mpl

import "net"

// Readiness demultiplexing is implemented on top of epoll; other platforms
// can still compile the package (codecs, listeners, options) but cannot
// open reactors or sockets.

func newDemultiplexer(int) (demultiplexer, error) { return nil, ErrUnsupportedPlatform }

func socketFromFD(int) (rawSocket, error) { return nil, ErrUnsupportedPlatform }

func closeFD(int) error { return ErrUnsupportedPlatform }

func listenTCP(string) (int, net.Addr, error) { return -1, nil, ErrUnsupportedPlatform }

func acceptTCP(int) (int, error) { return -1, ErrUnsupportedPlatform }

func isTransientAcceptError(error) bool { return false }

func startDial(string) (int, error) { return -1, ErrUnsupportedPlatform }

func finishDial(int) error { return ErrUnsupportedPlatform }
