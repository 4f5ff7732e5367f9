// Package spawnhelper is a minimal reference implementation of the
// spawn-helper side of the line protocol described in spec.md section
// 4.3: accept a connection on the inherited listener, require the shared
// password, then answer spawn_application / reload requests.
//
// It does not fork real application processes; the actual fork/exec
// business logic of booting application code is an external collaborator
// per spec.md section 1's non-goals. What it exercises faithfully is the
// wire contract SpawnManager depends on -- password auth, the
// spawn_application option list, the status/info/socket reply shape, and
// the owner-pipe SCM_RIGHTS hand-off -- so SpawnManager and Pool can be
// exercised end to end in tests and local development without a real
// application runtime.
package spawnhelper

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// defaultBudget bounds how long a peer has to complete one request before
// the helper gives up on it.
const defaultBudget = 10 * time.Second

// Helper serves the spawn-helper protocol on a pre-created listener,
// exactly as spec.md section 4.3 describes the real helper being handed
// its listening socket by SpawnManager via fd inheritance.
type Helper struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	nextPID  int32
	sockDir  string
	workers  map[int]*worker
}

type worker struct {
	pid        int
	socketPath string
	ln         net.Listener
	ownerRead  *os.File
	ownerWrite *os.File
}

// New creates a Helper that accepts on ln and requires password as the
// first message of every connection. sockDir is where synthetic worker
// listening sockets are created.
func New(ln net.Listener, password, sockDir string) *Helper {
	return &Helper{listener: ln, password: password, sockDir: sockDir, workers: make(map[int]*worker)}
}

// Serve accepts connections until the listener is closed.
func (h *Helper) Serve() error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return err
		}
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go h.handle(unixConn)
	}
}

func (h *Helper) handle(conn *net.UnixConn) {
	defer conn.Close()

	budget := framing.NewBudget(defaultBudget)
	presented, err := framing.ReadArrayMessage(conn, budget)
	if err != nil || len(presented) != 1 || presented[0] != h.password {
		return
	}

	req, err := framing.ReadArrayMessage(conn, budget)
	if err != nil || len(req) == 0 {
		return
	}

	switch protocol.HelperCommand(req[0]) {
	case protocol.HelperCmdSpawnApplication:
		h.spawnApplication(conn, budget, req[1:])
	case protocol.HelperCmdReload:
		framing.WriteArrayMessage(conn, budget, "ok")
	default:
		framing.WriteArrayMessage(conn, budget, "error", "unknown command")
	}
}

// spawnApplication answers a spawn_application request by standing up a
// synthetic worker listening socket and an owner pipe, and replying with
// the exact status/info/socket/fd sequence SpawnManager.doSpawn expects.
func (h *Helper) spawnApplication(conn *net.UnixConn, budget *framing.Budget, args []string) {
	opts := decodeOptions(args)
	appRoot := opts["app_root"]

	h.mu.Lock()
	pid := int(atomic.AddInt32(&h.nextPID, 1))
	h.mu.Unlock()

	sockPath := h.sockDir + "/worker-" + strconv.Itoa(pid) + ".sock"
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		framing.WriteArrayMessage(conn, budget, "error_page")
		framing.NewScalarWriter(conn).WriteScalarMessage([]byte(fmt.Sprintf("<html>%s</html>", err)), budget)
		return
	}
	go acceptAndDiscard(ln)

	ownerRead, ownerWrite, err := os.Pipe()
	if err != nil {
		ln.Close()
		framing.WriteArrayMessage(conn, budget, "error_page")
		framing.NewScalarWriter(conn).WriteScalarMessage([]byte(fmt.Sprintf("<html>%s</html>", err)), budget)
		return
	}

	h.mu.Lock()
	h.workers[pid] = &worker{pid: pid, socketPath: sockPath, ln: ln, ownerRead: ownerRead, ownerWrite: ownerWrite}
	h.mu.Unlock()

	if err := framing.WriteArrayMessage(conn, budget, "ok"); err != nil {
		return
	}
	if err := framing.WriteArrayMessage(conn, budget, appRoot, strconv.Itoa(pid), "1"); err != nil {
		return
	}
	if err := framing.WriteArrayMessage(conn, budget, string(protocol.MainSocketRole), sockPath, string(protocol.TransportUnix)); err != nil {
		return
	}
	// The owner pipe hand-off follows the two-step negotiation of spec.md
	// section 4.1 (wait for "pass IO", send SCM_RIGHTS, wait for "got IO")
	// so an over-reading SpawnManager can never silently swallow the fd.
	framing.SendFDWithNegotiation(conn, int(ownerWrite.Fd()), budget)
}

func acceptAndDiscard(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func decodeOptions(args []string) map[string]string {
	out := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		out[args[i]] = args[i+1]
	}
	return out
}
