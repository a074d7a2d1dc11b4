//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMillis bounds each epoll_wait so the event loop notices
// shutdown.
const waitTimeoutMillis = 500

// Epoll reports which upgraded sockets have data to read, so idle
// connections cost no goroutine.
type Epoll struct {
	fd     int
	events []unix.EpollEvent

	mu   sync.RWMutex
	byFD map[int]net.Conn
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 128),
		byFD:   make(map[int]net.Conn),
	}, nil
}

// Wrap returns conn unchanged; epoll reads the socket directly.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return conn
}

// Add watches conn for readability and hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Resume is a no-op: level-triggered epoll reports pending data again by
// itself.
func (e *Epoll) Resume(net.Conn) {}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()
	return nil
}

// Wait returns the readable connections, or none after waitTimeoutMillis.
// Sockets removed while the call was in flight are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMillis)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFD = nil
	return unix.Close(e.fd)
}

var errNoFD = errors.New("ws: connection has no file descriptor")

// socketFD reads the descriptor through SyscallConn; File() would dup it.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errNoFD
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
