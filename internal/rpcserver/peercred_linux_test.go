//go:build linux

package rpcserver

import (
	"net"
	"os"
	"testing"
)

func TestPeerCredentials_MatchesOwnProcess(t *testing.T) {
	a, b, err := socketpair(t)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	cred, err := peerCredentials(a)
	if err != nil {
		t.Fatalf("peerCredentials: %v", err)
	}
	if int(cred.PID) != os.Getpid() {
		t.Errorf("expected peer pid %d (same process via socketpair), got %d", os.Getpid(), cred.PID)
	}
}

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	t.Helper()
	dir := t.TempDir()
	ln, err := net.Listen("unix", dir+"/peercred.sock")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan *net.UnixConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c.(*net.UnixConn)
	}()

	client, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	server := <-accepted
	if server == nil {
		client.Close()
		return nil, nil, err
	}
	return server, client.(*net.UnixConn), nil
}
