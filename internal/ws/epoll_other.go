//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the portable stand-in for epoll. A watcher goroutine per
// connection hands the connection to Wait, then parks until Rearm; the
// worker's blocking frame read does the actual waiting for data.
type Poller struct {
	mu     sync.Mutex
	armed  map[net.Conn]chan struct{}
	ready  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// NewPoller creates a Poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		armed:  make(map[net.Conn]chan struct{}),
		ready:  make(chan net.Conn, 128),
		closed: make(chan struct{}),
	}, nil
}

// Add starts watching conn. It is reported once right away.
func (p *Poller) Add(conn net.Conn) error {
	arm := make(chan struct{}, 1)
	arm <- struct{}{}

	p.mu.Lock()
	p.armed[conn] = arm
	p.mu.Unlock()

	go p.watch(conn, arm)
	return nil
}

func (p *Poller) watch(conn net.Conn, arm <-chan struct{}) {
	for {
		select {
		case _, ok := <-arm:
			if !ok {
				return
			}
		case <-p.closed:
			return
		}
		select {
		case p.ready <- conn:
		case <-p.closed:
			return
		}
	}
}

// Rearm lets conn be reported again.
func (p *Poller) Rearm(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if arm, ok := p.armed[conn]; ok {
		select {
		case arm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if arm, ok := p.armed[conn]; ok {
		delete(p.armed, conn)
		close(arm)
	}
	return nil
}

// Wait blocks until at least one connection is reported and drains any
// others already queued.
func (p *Poller) Wait() ([]net.Conn, error) {
	select {
	case first := <-p.ready:
		conns := []net.Conn{first}
		for {
			select {
			case c := <-p.ready:
				conns = append(conns, c)
			default:
				return conns, nil
			}
		}
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

// Close stops all watchers and unblocks Wait.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func isInterrupted(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
