package pool

import (
	"net"
	"sync"

	"github.com/arna-oss/poolcore/internal/protocol"
)

// Session is one live request's hold on a worker (spec.md section 3). It
// owns the duplex socket connected to the worker and is closed exactly
// once, whether by an explicit Close or by the owning RPC connection
// tearing down.
type Session struct {
	ID uint64

	Handle    *WorkerHandle
	Role      protocol.SocketRole
	Address   string
	Transport protocol.SocketTransport

	Conn net.Conn

	DetachKey       string
	ConnectPassword string

	initiated bool

	closeOnce sync.Once
	onClose   func(*Session)
}

// Initiated reports whether the session's socket was successfully
// connected (spec.md section 8: every Session returned by get() has
// initiated == true unless the caller asked for deferred initiation).
func (s *Session) Initiated() bool { return s.initiated }

// Close releases the session exactly once: closes the worker socket and
// invokes the owning Pool's release callback, which decrements the
// handle's session count and may wake waiters.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.Conn != nil {
			err = s.Conn.Close()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return err
}
