package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/poolerr"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// helperStopGrace is how long SpawnManager waits after SIGTERM before
// escalating to SIGKILL, and again after SIGKILL before giving up
// (spec.md section 4.3, helper lifecycle).
const helperStopGrace = 5 * time.Second

// SpawnManagerConfig names the spawn-helper executable and the directory
// its per-generation Unix sockets live under.
type SpawnManagerConfig struct {
	HelperPath string
	SocketDir  string
}

// SpawnManager owns exactly one long-running spawn-helper subprocess,
// speaks the line protocol in spec.md section 4.3 to it, and transparently
// restarts it across a death (spec.md section 4.3).
type SpawnManager struct {
	cfg    SpawnManagerConfig
	logger *poollog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	socketPath string
	password   string
}

// NewSpawnManager creates a SpawnManager. The helper subprocess is not
// started until the first Spawn or Reload call.
func NewSpawnManager(cfg SpawnManagerConfig, logger *poollog.Logger) *SpawnManager {
	return &SpawnManager{cfg: cfg, logger: logger}
}

// GetServerPid returns the current helper's pid, or 0 if none is running.
func (m *SpawnManager) GetServerPid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Spawn launches a worker for the application described by opts/raw and
// returns its identity. On any I/O error talking to the helper, the
// manager restarts the helper once and retries the spawn exactly once
// before surfacing a spawn error (spec.md section 4.3). An application-level
// spawn rejection from an otherwise-healthy helper (status other than "ok",
// optionally carrying an error page -- doSpawn reports both as a
// poolerr.KindSpawn error) is not grounds for restarting the helper: it is
// returned to the caller immediately, matching the original source's
// `if (e.hasErrorPage()) throw; else handleSpawnException(...)` split in
// SpawnManager.h, where only a transport-level failure triggers recovery.
func (m *SpawnManager) Spawn(ctx context.Context, opts protocol.GetOptions, raw protocol.SpawnOptions) (*protocol.SpawnResult, error) {
	if err := m.ensureStarted(); err != nil {
		return nil, poolerr.Wrap(poolerr.KindSpawn, "start spawn helper", err)
	}

	result, err := m.doSpawn(ctx, opts, raw)
	if err == nil {
		return result, nil
	}
	if isApplicationSpawnError(err) {
		return nil, err
	}

	m.logger.WarnContext(ctx, "spawn failed, restarting helper and retrying once", "error", err)
	if restartErr := m.restartHelper(); restartErr != nil {
		return nil, poolerr.Wrap(poolerr.KindSpawn, "restart spawn helper", restartErr)
	}

	result, err = m.doSpawn(ctx, opts, raw)
	if err != nil {
		if isApplicationSpawnError(err) {
			return nil, err
		}
		return nil, poolerr.Wrap(poolerr.KindSpawn, "spawn application", err)
	}
	return result, nil
}

// isApplicationSpawnError reports whether err is a rejection the helper
// itself produced (a non-"ok" status, optionally with an error page) rather
// than a transport-level failure talking to it. doSpawn tags the former as
// poolerr.KindSpawn; everything else (dial/auth/read/write failures) is a
// plain wrapped error and is left to the restart-and-retry path.
func isApplicationSpawnError(err error) bool {
	return poolerr.KindOf(err) == poolerr.KindSpawn
}

// Reload asks the helper to reload the given application group, with the
// same restart-on-failure policy as Spawn.
func (m *SpawnManager) Reload(ctx context.Context, groupName string) error {
	if err := m.ensureStarted(); err != nil {
		return poolerr.Wrap(poolerr.KindSpawn, "start spawn helper", err)
	}

	err := m.doReload(ctx, groupName)
	if err == nil {
		return nil
	}

	if restartErr := m.restartHelper(); restartErr != nil {
		return poolerr.Wrap(poolerr.KindSpawn, "restart spawn helper", restartErr)
	}
	if err := m.doReload(ctx, groupName); err != nil {
		return poolerr.Wrap(poolerr.KindSpawn, "reload application", err)
	}
	return nil
}

// KillSpawnServer forcibly terminates the current helper. A test hook per
// spec.md section 4.3.
func (m *SpawnManager) KillSpawnServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *SpawnManager) ensureStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return nil
	}
	return m.startLocked()
}

func (m *SpawnManager) restartHelper() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stopLocked(); err != nil {
		m.logger.Warn("error stopping old spawn helper", "error", err)
	}
	return m.startLocked()
}

// startLocked picks a fresh socket filename and password, launches the
// helper with SERVER_SOCKET_FD/OWNER_SOCKET_FD wiring per spec.md section
// 4.3. The listening socket is created here, before the launch, so no
// wait for the helper is needed.
func (m *SpawnManager) startLocked() error {
	if err := os.MkdirAll(m.cfg.SocketDir, 0700); err != nil {
		return fmt.Errorf("spawnmanager: create socket dir: %w", err)
	}

	token, err := accounts.GenerateToken(16)
	if err != nil {
		return fmt.Errorf("spawnmanager: name socket: %w", err)
	}
	socketPath := filepath.Join(m.cfg.SocketDir, "spawn."+token+".sock")

	password, err := accounts.GenerateToken(32)
	if err != nil {
		return fmt.Errorf("spawnmanager: generate password: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("spawnmanager: listen on helper socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0700); err != nil {
		listener.Close()
		return fmt.Errorf("spawnmanager: chmod helper socket: %w", err)
	}

	unixListener := listener.(*net.UnixListener)
	listenerFile, err := unixListener.File()
	unixListener.SetUnlinkOnClose(false)
	unixListener.Close() // the dup'd fd below keeps the socket alive
	if err != nil {
		return fmt.Errorf("spawnmanager: dup helper socket: %w", err)
	}
	defer listenerFile.Close()

	ownerRead, ownerWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("spawnmanager: create owner pipe: %w", err)
	}
	defer ownerRead.Close()

	cmd := exec.Command(m.cfg.HelperPath)
	cmd.ExtraFiles = []*os.File{listenerFile, ownerWrite}
	cmd.Env = append(os.Environ(),
		"POOLCORE_HELPER_PASSWORD="+password,
		"POOLCORE_HELPER_SOCKET="+socketPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		ownerWrite.Close()
		return fmt.Errorf("spawnmanager: start helper: %w", err)
	}
	ownerWrite.Close()

	m.cmd = cmd
	m.socketPath = socketPath
	m.password = password
	return nil
}

func (m *SpawnManager) stopLocked() error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}

	proc := m.cmd.Process
	done := make(chan error, 1)
	go func() { done <- m.cmd.Wait() }()

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
		m.cmd = nil
		os.Remove(m.socketPath)
		return nil
	case <-time.After(helperStopGrace):
	}

	_ = proc.Signal(syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(helperStopGrace):
	}

	m.cmd = nil
	os.Remove(m.socketPath)
	return nil
}

func (m *SpawnManager) dial() (*net.UnixConn, string, error) {
	m.mu.Lock()
	socketPath, password := m.socketPath, m.password
	m.mu.Unlock()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, "", fmt.Errorf("spawnmanager: dial helper: %w", err)
	}
	return conn.(*net.UnixConn), password, nil
}

func (m *SpawnManager) doSpawn(ctx context.Context, opts protocol.GetOptions, raw protocol.SpawnOptions) (*protocol.SpawnResult, error) {
	conn, password, err := m.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	budget := framing.NewBudget(10 * time.Second)
	if deadline, ok := ctx.Deadline(); ok {
		budget = framing.NewBudget(time.Until(deadline))
	}

	if err := framing.WriteArrayMessage(conn, budget, password); err != nil {
		return nil, fmt.Errorf("spawnmanager: authenticate: %w", err)
	}

	detachKey, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, fmt.Errorf("spawnmanager: generate detach key: %w", err)
	}
	connectPassword, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, fmt.Errorf("spawnmanager: generate connect password: %w", err)
	}

	elems := []string{string(protocol.HelperCmdSpawnApplication)}
	for _, kv := range raw {
		elems = append(elems, kv.Key, kv.Value)
	}
	elems = append(elems, "app_root", opts.AppRoot, "app_group_name", opts.GroupKey(), "environment", opts.Environment)
	elems = append(elems, "detach_key", detachKey, "connect_password", connectPassword)

	if err := framing.WriteArrayMessage(conn, budget, elems...); err != nil {
		return nil, fmt.Errorf("spawnmanager: send spawn_application: %w", err)
	}

	status, err := framing.ReadArrayMessage(conn, budget)
	if err != nil {
		return nil, fmt.Errorf("spawnmanager: read status: %w", err)
	}
	if len(status) == 0 {
		return nil, fmt.Errorf("spawnmanager: empty status reply")
	}
	if status[0] == "error_page" {
		page, err := framing.NewScalarReader(conn, 0).ReadScalarMessage(budget)
		if err != nil {
			return nil, fmt.Errorf("spawnmanager: read error page: %w", err)
		}
		return nil, poolerr.Spawn("spawn failed", page)
	}
	if status[0] != "ok" {
		msg := "spawn failed"
		if len(status) > 1 {
			msg = status[1]
		}
		return nil, poolerr.Spawn(msg, nil)
	}

	info, err := framing.ReadArrayMessage(conn, budget)
	if err != nil {
		return nil, fmt.Errorf("spawnmanager: read info: %w", err)
	}
	if len(info) != 3 {
		return nil, fmt.Errorf("spawnmanager: malformed info reply: %v", info)
	}
	pid, err := parsePID(info[1])
	if err != nil {
		return nil, err
	}
	nSockets, err := parseCount(info[2])
	if err != nil {
		return nil, err
	}

	sockets := make([]protocol.SocketInfo, 0, nSockets)
	for i := 0; i < nSockets; i++ {
		entry, err := framing.ReadArrayMessage(conn, budget)
		if err != nil {
			return nil, fmt.Errorf("spawnmanager: read socket %d: %w", i, err)
		}
		if len(entry) != 3 {
			return nil, fmt.Errorf("spawnmanager: malformed socket entry: %v", entry)
		}
		sockets = append(sockets, protocol.SocketInfo{
			Role:      protocol.SocketRole(entry[0]),
			Address:   entry[1],
			Transport: protocol.SocketTransport(entry[2]),
		})
	}

	ownerPipeFD, err := framing.RecvFDWithNegotiation(conn, budget)
	if err != nil {
		return nil, fmt.Errorf("spawnmanager: receive owner pipe: %w", err)
	}

	return &protocol.SpawnResult{
		AppRoot:        info[0],
		PID:            pid,
		Sockets:        sockets,
		OwnerPipeFD:    ownerPipeFD,
		SpawnStartedAt: time.Now(),
	}, nil
}

func (m *SpawnManager) doReload(ctx context.Context, groupName string) error {
	conn, password, err := m.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	budget := framing.NewBudget(10 * time.Second)
	if err := framing.WriteArrayMessage(conn, budget, password); err != nil {
		return fmt.Errorf("spawnmanager: authenticate: %w", err)
	}
	if err := framing.WriteArrayMessage(conn, budget, string(protocol.HelperCmdReload), groupName); err != nil {
		return fmt.Errorf("spawnmanager: send reload: %w", err)
	}
	status, err := framing.ReadArrayMessage(conn, budget)
	if err != nil {
		return fmt.Errorf("spawnmanager: read reload status: %w", err)
	}
	if len(status) == 0 || status[0] != "ok" {
		return fmt.Errorf("spawnmanager: reload failed: %v", status)
	}
	return nil
}

func parsePID(s string) (int, error) {
	var pid int
	if _, err := fmt.Sscanf(s, "%d", &pid); err != nil {
		return 0, fmt.Errorf("spawnmanager: parse pid %q: %w", s, err)
	}
	return pid, nil
}

func parseCount(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("spawnmanager: parse count %q: %w", s, err)
	}
	return n, nil
}
