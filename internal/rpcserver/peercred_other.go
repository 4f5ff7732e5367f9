//go:build !linux

package rpcserver

import (
	"fmt"
	"net"
)

// peerCredentials is only implemented on Linux; other platforms report it
// as unavailable rather than silently returning zero-value credentials.
func peerCredentials(conn *net.UnixConn) (*PeerCredentials, error) {
	return nil, fmt.Errorf("rpcserver: peer credentials not supported on this platform")
}
