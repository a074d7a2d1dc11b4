package ws

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	IP        string    // client address used for bans and rate limits
	CreatedAt time.Time // when the connection was established

	ctx    context.Context // cancelled when the connection is removed
	cancel context.CancelFunc

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	mu        sync.Mutex
	username  string
	sessionID string
	private   context.CancelFunc // stops the private channel subscription
}

func newConnection(id string, conn net.Conn, ip string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        id,
		Conn:      conn,
		IP:        ip,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.Touch()
	return c
}

// Context is cancelled when the connection goes away. Subscriptions made on
// behalf of the connection use it.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Identity returns the joined username and session, empty before join.
func (c *Connection) Identity() (username, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username, c.sessionID
}

// setIdentity records a successful join. stop cancels the subscriptions tied
// to the identity and replaces any previous one.
func (c *Connection) setIdentity(username, sessionID string, stop context.CancelFunc) {
	c.mu.Lock()
	prev := c.private
	c.username, c.sessionID, c.private = username, sessionID, stop
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// clearIdentity forgets the joined identity and returns what it was.
func (c *Connection) clearIdentity() (username, sessionID string) {
	c.mu.Lock()
	username, sessionID = c.username, c.sessionID
	stop := c.private
	c.username, c.sessionID, c.private = "", "", nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	return username, sessionID
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close cancels the connection context and closes the network connection.
func (c *Connection) Close() error {
	c.cancel()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections, indexed by ID
// and by network connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
