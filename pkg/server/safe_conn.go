package server

import (
	"net"
	"sync"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol.
//
// Under load, multiple goroutines (the connection's own handler and broadcast
// senders routing on behalf of other connections) may try to write to the same
// connection simultaneously. Without synchronization their lines interleave on
// the wire mid-line, which no client can parse.
//
// SafeConn encapsulates both the connection and its write mutex, making it
// impossible to write without proper synchronization. No lock is ever held
// across more than one connection, so a slow peer only stalls writes to
// itself.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteLine sends one protocol line, appending the newline terminator.
// This is the only way to write to the connection - the raw conn is private.
func (sc *SafeConn) WriteLine(line string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(append([]byte(line), '\n'))
	return err
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
