package rpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/pool"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// noopSpawner implements pool.Spawner without ever being called: none of
// the CmdExit tests below issue a `get`.
type noopSpawner struct{}

func (noopSpawner) Spawn(ctx context.Context, opts protocol.GetOptions, raw protocol.SpawnOptions) (*protocol.SpawnResult, error) {
	panic("noopSpawner: Spawn should not be called")
}
func (noopSpawner) Reload(ctx context.Context, groupName string) error { return nil }

// testServer starts an rpcserver.Server on a fresh Unix-domain socket,
// backed by a real Pool, and returns it plus a dialer for clients. The
// Server's immediateExit hook is swapped out so tests never call os.Exit.
func testServer(t *testing.T) (*Server, func() *net.UnixConn, *bool) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "rpc.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	db := accounts.NewDatabase()
	logger := poollog.New(poollog.Config{Level: "error", Format: "text"})
	p := pool.New(pool.Config{Max: 1}, noopSpawner{}, db, logger)

	srv := New(ln, Config{}, p, db, logger)
	immediateCalled := false
	srv.immediateExit = func() { immediateCalled = true }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	dial := func() *net.UnixConn {
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}

	return srv, dial, &immediateCalled
}

// authenticate runs the client side of connection.authenticate, failing the
// test if the server doesn't reply with "Passed security".
func authenticate(t *testing.T, conn *net.UnixConn, username, password string) {
	t.Helper()
	if err := framing.NewScalarWriter(conn).WriteScalarMessage([]byte(username), nil); err != nil {
		t.Fatalf("write username: %v", err)
	}
	if err := framing.NewScalarWriter(conn).WriteScalarMessage([]byte(password), nil); err != nil {
		t.Fatalf("write password: %v", err)
	}
	reply, err := framing.ReadArrayMessage(conn, nil)
	if err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if len(reply) == 0 || reply[0] != protocol.RespPassedSecurity {
		t.Fatalf("expected %q, got %v", protocol.RespPassedSecurity, reply)
	}
}

func TestConnection_GracefulExit_WritesHandshakeAndRequestsShutdown(t *testing.T) {
	srv, dial, _ := testServer(t)

	password, err := accounts.GenerateToken(16)
	if err != nil {
		t.Fatal(err)
	}
	srv.accounts.Add(accounts.NewServiceAccount("admin", password, accounts.RightExit))

	conn := dial()
	defer conn.Close()
	authenticate(t, conn, "admin", password)

	if err := framing.WriteArrayMessage(conn, nil, string(protocol.CmdExit)); err != nil {
		t.Fatalf("write exit command: %v", err)
	}

	first, err := framing.ReadArrayMessage(conn, nil)
	if err != nil {
		t.Fatalf("read first exit reply: %v", err)
	}
	if len(first) == 0 || first[0] != protocol.RespPassedSecurity {
		t.Fatalf("expected %q, got %v", protocol.RespPassedSecurity, first)
	}

	second, err := framing.ReadArrayMessage(conn, nil)
	if err != nil {
		t.Fatalf("read second exit reply: %v", err)
	}
	if len(second) == 0 || second[0] != protocol.RespExitReceived {
		t.Fatalf("expected %q, got %v", protocol.RespExitReceived, second)
	}

	select {
	case <-srv.ExitRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("expected ExitRequested() to be closed after a graceful exit command")
	}
}

func TestConnection_ImmediateExit_NoReplyAndTerminatesProcess(t *testing.T) {
	srv, dial, immediateCalled := testServer(t)

	password, err := accounts.GenerateToken(16)
	if err != nil {
		t.Fatal(err)
	}
	srv.accounts.Add(accounts.NewServiceAccount("admin", password, accounts.RightExit))

	conn := dial()
	defer conn.Close()
	authenticate(t, conn, "admin", password)

	if err := framing.WriteArrayMessage(conn, nil, string(protocol.CmdExit), "immediately"); err != nil {
		t.Fatalf("write exit command: %v", err)
	}

	// The immediate path writes nothing; the connection is simply closed.
	if _, err := framing.ReadArrayMessage(conn, nil); err == nil {
		t.Fatal("expected the connection to close without a reply")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !*immediateCalled && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !*immediateCalled {
		t.Fatal("expected the immediate-exit hook to have been invoked")
	}

	select {
	case <-srv.ExitRequested():
		t.Fatal("an immediate exit must not also signal the graceful exit channel")
	default:
	}
}

func TestConnection_Exit_DeniedWithoutRight(t *testing.T) {
	srv, dial, immediateCalled := testServer(t)

	password, err := accounts.GenerateToken(16)
	if err != nil {
		t.Fatal(err)
	}
	srv.accounts.Add(accounts.NewServiceAccount("viewer", password, accounts.RightInspectBasicInfo))

	conn := dial()
	defer conn.Close()
	authenticate(t, conn, "viewer", password)

	if err := framing.WriteArrayMessage(conn, nil, string(protocol.CmdExit)); err != nil {
		t.Fatalf("write exit command: %v", err)
	}

	reply, err := framing.ReadArrayMessage(conn, nil)
	if err != nil {
		t.Fatalf("read exit reply: %v", err)
	}
	if len(reply) == 0 || reply[0] != protocol.RespSecurityException {
		t.Fatalf("expected %q, got %v", protocol.RespSecurityException, reply)
	}
	if *immediateCalled {
		t.Error("expected a denied exit to never reach the immediate-exit hook")
	}
	select {
	case <-srv.ExitRequested():
		t.Fatal("expected a denied exit to never signal the graceful exit channel")
	default:
	}
}
