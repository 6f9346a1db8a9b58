//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller is the goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor that peeks one byte through a
// buffered reader, reports the connection ready and then waits for Resume.
type poller struct {
	mu      sync.Mutex
	conns   map[*Connection]struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[*Connection]struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	br := bufio.NewReaderSize(c.rd, 4096)
	c.rd = br

	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go p.monitor(c, br)
	return nil
}

// monitor never consumes bytes: Peek leaves them in br for the frame reader.
func (p *poller) monitor(c *Connection, br *bufio.Reader) {
	for {
		_, err := br.Peek(1)

		select {
		case p.readyCh <- c:
		case <-c.closed:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-c.resume:
		case <-c.closed:
			return
		case <-p.done:
			return
		}
	}
}

func (p *poller) Resume(c *Connection) {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains whatever
// else is ready without blocking.
func (p *poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}
