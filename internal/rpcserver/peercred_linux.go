//go:build linux

package rpcserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads the connecting peer's uid/gid/pid off the Unix
// socket via SO_PEERCRED, without duplicating the underlying fd.
func peerCredentials(conn *net.UnixConn) (*PeerCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("rpcserver: get raw conn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("rpcserver: control raw conn: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("rpcserver: getsockopt SO_PEERCRED: %w", sockErr)
	}

	return &PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
