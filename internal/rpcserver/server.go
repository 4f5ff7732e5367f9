// Package rpcserver exposes a pool.Pool to peer processes over an
// authenticated, length-framed Unix-domain socket protocol (spec.md
// section 4.6).
package rpcserver

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/pool"
	"github.com/arna-oss/poolcore/internal/poollog"
)

// Server accepts connections on a Unix-domain listener and serves the
// Pool RPC protocol on each.
type Server struct {
	listener net.Listener
	pool     *pool.Pool
	accounts *accounts.Database
	logger   *poollog.Logger
	cfg      Config

	exitOnce      sync.Once
	exitRequested chan struct{}
	immediateExit func()
}

// Config bounds Server's accept behavior.
type Config struct {
	// MaxConnections caps concurrently accepted connections using
	// golang.org/x/net/netutil.LimitListener; 0 means unlimited.
	MaxConnections int

	// AllowedUIDs, if non-empty, restricts accepted connections to peers
	// whose SO_PEERCRED uid is in the set, checked before the
	// username/password handshake even starts. Defense in depth on top
	// of the account system. A connection whose peer credentials cannot be
	// read is rejected; peer credentials are unavailable on platforms other
	// than Linux, so there a non-empty AllowedUIDs rejects every connection.
	AllowedUIDs []uint32
}

func (c Config) uidAllowed(uid uint32) bool {
	if len(c.AllowedUIDs) == 0 {
		return true
	}
	for _, allowed := range c.AllowedUIDs {
		if allowed == uid {
			return true
		}
	}
	return false
}

// New wraps ln (already listening on the Pool's Unix-domain socket) with
// Server's accept loop.
func New(ln net.Listener, cfg Config, p *pool.Pool, db *accounts.Database, logger *poollog.Logger) *Server {
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	return &Server{
		listener: ln, pool: p, accounts: db, logger: logger, cfg: cfg,
		exitRequested: make(chan struct{}),
		immediateExit: func() { os.Exit(0) },
	}
}

// ExitRequested returns a channel that is closed once a peer issues a
// graceful "exit" RPC command (spec.md section 4.6). The owning process
// should treat this the same as an external shutdown signal: cancel its
// context and run Pool.Shutdown. It never closes for an "exit immediately"
// command, which terminates the process directly instead.
func (s *Server) ExitRequested() <-chan struct{} {
	return s.exitRequested
}

func (s *Server) requestGracefulExit() {
	s.exitOnce.Do(func() { close(s.exitRequested) })
}

// Serve accepts and handles connections until ctx is cancelled or Accept
// fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}

		if len(s.cfg.AllowedUIDs) > 0 {
			cred, err := peerCredentials(unixConn)
			if err != nil {
				s.logger.Warn("rejecting connection: peer credentials unavailable", "error", err)
				unixConn.Close()
				continue
			}
			if !s.cfg.uidAllowed(cred.UID) {
				s.logger.Warn("rejecting connection from disallowed uid", "uid", cred.UID)
				unixConn.Close()
				continue
			}
		}

		go func() {
			c := newConnection(unixConn, s.pool, s.accounts, s.logger, s.requestGracefulExit, s.immediateExit)
			if err := c.serve(ctx); err != nil {
				s.logger.Debug("rpc connection closed", "error", err)
			}
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// defaultAuthTimeout bounds how long a peer has to complete the
// username/password handshake before the connection is dropped.
const defaultAuthTimeout = 10 * time.Second
