// Command poolcore-spawn-helper is the reference spawn-helper binary
// SpawnManager launches (spec.md section 4.3): it inherits its listening
// socket on fd 3, reads its shared password and socket path from the
// environment SpawnManager sets, and serves internal/spawnhelper's
// protocol until the socket closes.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/arna-oss/poolcore/internal/spawnhelper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "poolcore-spawn-helper:", err)
		os.Exit(1)
	}
}

func run() error {
	password := os.Getenv("POOLCORE_HELPER_PASSWORD")
	if password == "" {
		return fmt.Errorf("POOLCORE_HELPER_PASSWORD not set")
	}
	socketPath := os.Getenv("POOLCORE_HELPER_SOCKET")
	if socketPath == "" {
		return fmt.Errorf("POOLCORE_HELPER_SOCKET not set")
	}

	listenerFile := os.NewFile(3, "spawn-helper-listener")
	if listenerFile == nil {
		return fmt.Errorf("fd 3 (listening socket) not inherited")
	}
	ln, err := net.FileListener(listenerFile)
	if err != nil {
		return fmt.Errorf("reconstruct listener from fd 3: %w", err)
	}

	h := spawnhelper.New(ln, password, filepath.Dir(socketPath))
	return h.Serve()
}
