package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arna-oss/poolcore/internal/protocol"
)

func TestWorkerHandle_ReleaseResources_UnlinksUnixSockets(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "worker.sock")
	if err := os.WriteFile(sockPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	h := &WorkerHandle{
		Sockets: map[protocol.SocketRole]protocol.SocketInfo{
			protocol.MainSocketRole: {Role: protocol.MainSocketRole, Address: sockPath, Transport: protocol.TransportUnix},
		},
	}

	if err := h.releaseResources(); err != nil {
		t.Fatalf("releaseResources: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Errorf("expected socket file to be unlinked, stat err = %v", err)
	}
}

func TestWorkerHandle_ReleaseResources_MissingSocketIsNotAnError(t *testing.T) {
	h := &WorkerHandle{
		Sockets: map[protocol.SocketRole]protocol.SocketInfo{
			protocol.MainSocketRole: {
				Role: protocol.MainSocketRole, Transport: protocol.TransportUnix,
				Address: filepath.Join(t.TempDir(), "already-gone.sock"),
			},
		},
	}
	if err := h.releaseResources(); err != nil {
		t.Fatalf("expected a missing socket file to be tolerated, got %v", err)
	}
}

func TestWorkerHandle_ReleaseResources_SkipsNonUnixSockets(t *testing.T) {
	h := &WorkerHandle{
		Sockets: map[protocol.SocketRole]protocol.SocketInfo{
			protocol.MainSocketRole: {Role: protocol.MainSocketRole, Address: "127.0.0.1:0", Transport: protocol.TransportTCP},
		},
	}
	if err := h.releaseResources(); err != nil {
		t.Fatalf("expected a TCP socket to need no cleanup, got %v", err)
	}
}

func TestWorkerHandle_ReleaseResources_ReportsOwnerPipeCloseFailure(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	fd := int(r.Fd())
	if err := r.Close(); err != nil {
		t.Fatalf("close owner pipe read end: %v", err)
	}

	h := &WorkerHandle{OwnerPipeFD: fd}
	if err := h.releaseResources(); err == nil {
		t.Error("expected closing an already-closed owner pipe fd to surface an error")
	}
}
