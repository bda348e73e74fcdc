//go:build linux

package mpl

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux demultiplexer: a level-triggered epoll instance
// plus an eventfd used to interrupt a blocked epoll_wait.
type epollPoller struct {
	mu     sync.RWMutex // guards closed against concurrent modify/wakeup
	closed bool

	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

func newDemultiplexer(size int) (demultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd create")
	}

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add wakefd")
	}

	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, size),
	}, nil
}

func (p *epollPoller) ctl(op, fd int, events IOEvents) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPollerClosed
	}

	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	}
	return unix.EpollCtl(p.epfd, op, fd, ev)
}

func (p *epollPoller) add(fd int, events IOEvents) error {
	return errors.Wrap(p.ctl(unix.EPOLL_CTL_ADD, fd, events), "epoll ctl add")
}

func (p *epollPoller) modify(fd int, events IOEvents) error {
	return errors.Wrap(p.ctl(unix.EPOLL_CTL_MOD, fd, events), "epoll ctl mod")
}

func (p *epollPoller) remove(fd int) error {
	return errors.Wrap(p.ctl(unix.EPOLL_CTL_DEL, fd, 0), "epoll ctl del")
}

func (p *epollPoller) wait(events []readyEvent, timeoutMs int) (int, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, errPollerClosed
	}

	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}

	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}

	count := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakefd {
			p.drainWakeup()
			continue
		}
		events[count] = readyEvent{fd: fd, events: epollToEvents(raw[i].Events)}
		count++
	}
	return count, nil
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakefd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (p *epollPoller) wakeup() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPollerClosed
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakefd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: the counter is saturated, a wake-up is already pending.
			return nil
		case unix.EINTR:
			continue
		default:
			return errors.Wrap(err, "eventfd write")
		}
	}
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	werr := unix.Close(p.wakefd)
	eerr := unix.Close(p.epfd)
	if eerr != nil {
		return errors.Wrap(eerr, "close epoll")
	}
	return errors.Wrap(werr, "close eventfd")
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
