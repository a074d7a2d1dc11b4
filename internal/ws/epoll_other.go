//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server can run on developer machines.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
}

// peekConn buffers reads so readiness can be detected with Peek without
// consuming frame bytes.
type peekConn struct {
	net.Conn
	r       *bufio.Reader
	resume  chan struct{}
	removed chan struct{}
	once    sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the connection the server must read from.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn:    conn,
		r:       bufio.NewReader(conn),
		resume:  make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(conn, pc)
	return nil
}

// monitor signals readiness once data (or an error) is pending, then waits
// for Resume before looking again so only one reader touches the buffer.
func (e *Epoll) monitor(conn net.Conn, pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.resume:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Resume re-arms readiness notification after a frame was read.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	pc := e.conns[conn]
	e.mu.Unlock()
	if pc == nil {
		return
	}
	select {
	case pc.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if pc != nil {
		pc.once.Do(func() { close(pc.removed) })
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// isEINTR never applies to the fallback.
func isEINTR(error) bool { return false }
