//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const pollEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// poller wraps Linux epoll. Descriptors are registered one-shot: after a
// connection is reported ready it stays silent until Resume re-arms it, so a
// connection is never handed to two workers at once.
type poller struct {
	fd     int
	conns  map[int]*Connection // fd -> Connection
	primed []*Connection       // replayed bytes waiting, invisible to epoll
	mu     sync.RWMutex
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness. Frames are read straight from the
// socket, so apart from replayed bytes the kernel buffer is the only buffer
// epoll has to watch. A connection with replayed bytes is reported by the
// next Wait without waiting for the kernel.
func (p *poller) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	c.fd = fd

	p.mu.Lock()
	p.conns[fd] = c
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(fd)}); err != nil {
		p.mu.Lock()
		delete(p.conns, fd)
		p.mu.Unlock()
		return err
	}

	if c.hasPending() {
		p.mu.Lock()
		p.primed = append(p.primed, c)
		p.mu.Unlock()
	}
	return nil
}

// Resume re-arms c after its frame has been read.
func (p *poller) Resume(c *Connection) {
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(c.fd)})
}

// Remove unregisters c. It must run before the socket is closed so the fd is
// not reused under a stale registration. Removing twice is a no-op.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	cur, ok := p.conns[c.fd]
	if !ok || cur != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

// Wait blocks for at most 200ms and returns the connections with pending
// data or a hangup. A nil slice with a nil error means the wait timed out.
func (p *poller) Wait() ([]*Connection, error) {
	p.mu.Lock()
	ready := p.primed
	p.primed = nil
	p.mu.Unlock()

	timeout := 200
	if len(ready) > 0 {
		timeout = 0
	}

	n, err := unix.EpollWait(p.fd, p.events, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		p.mu.Lock()
		p.primed = append(ready, p.primed...)
		p.mu.Unlock()
		return nil, err
	}

	p.mu.RLock()
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	p.primed = nil
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor from a net.Conn without duplicating it
// (which File() would do).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
