package rpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/pool"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/poolerr"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// connection is the per-connection handler: it authenticates once, then
// runs the request/response loop described in spec.md section 4.6.
type connection struct {
	conn     *net.UnixConn
	pool     *pool.Pool
	accounts *accounts.Database
	logger   *poollog.Logger

	// requestGracefulExit and requestImmediateExit let a CmdExit handler
	// reach up to the owning Server/process without this package calling
	// os.Exit inline or importing cmd/poolcore. Either may be nil in tests
	// that don't care about exit wiring.
	requestGracefulExit  func()
	requestImmediateExit func()

	account *accounts.Account

	mu       sync.Mutex
	sessions map[uint64]*pool.Session
	nextID   uint64
}

func newConnection(conn *net.UnixConn, p *pool.Pool, db *accounts.Database, logger *poollog.Logger, requestGracefulExit, requestImmediateExit func()) *connection {
	return &connection{
		conn: conn, pool: p, accounts: db, logger: logger,
		requestGracefulExit:  requestGracefulExit,
		requestImmediateExit: requestImmediateExit,
		sessions:             make(map[uint64]*pool.Session),
	}
}

func (c *connection) serve(ctx context.Context) error {
	defer c.closeAllSessions()
	defer c.conn.Close()

	if err := c.authenticate(framing.NewBudget(defaultAuthTimeout)); err != nil {
		return err
	}

	for {
		var budget *framing.Budget // no per-command deadline beyond connection lifetime
		req, err := framing.ReadArrayMessage(c.conn, budget)
		if err != nil {
			return err
		}
		if len(req) == 0 {
			continue
		}

		cmd := protocol.Command(req[0])
		if err := c.dispatch(ctx, cmd, req[1:]); err != nil {
			return err
		}
		if cmd == protocol.CmdExit {
			return nil
		}
	}
}

func (c *connection) authenticate(budget *framing.Budget) error {
	usernameBytes, err := framing.NewScalarReader(c.conn, 1024).ReadScalarMessage(budget)
	if err != nil {
		return fmt.Errorf("rpcserver: read username: %w", err)
	}
	passwordBytes, err := framing.NewScalarReader(c.conn, 4096).ReadScalarMessage(budget)
	if err != nil {
		return fmt.Errorf("rpcserver: read password: %w", err)
	}

	acc, ok := c.accounts.Authenticate(string(usernameBytes), string(passwordBytes))
	if !ok {
		framing.WriteArrayMessage(c.conn, budget, protocol.RespSecurityException, "invalid credentials")
		return fmt.Errorf("rpcserver: authentication failed")
	}
	c.account = acc
	return framing.WriteArrayMessage(c.conn, budget, protocol.RespPassedSecurity)
}

func (c *connection) requireRights(budget *framing.Budget, want accounts.Rights) bool {
	if c.account.Rights().Has(want) {
		return true
	}
	framing.WriteArrayMessage(c.conn, budget, protocol.RespSecurityException, "insufficient rights")
	return false
}

func (c *connection) dispatch(ctx context.Context, cmd protocol.Command, args []string) error {
	var budget *framing.Budget

	switch cmd {
	case protocol.CmdGet:
		return c.handleGet(ctx, budget, args)
	case protocol.CmdClose:
		return c.handleClose(args)
	case protocol.CmdClear:
		if !c.requireRights(budget, accounts.RightClear) {
			return fmt.Errorf("rpcserver: security exception")
		}
		if err := c.pool.Clear(); err != nil {
			c.logger.Warn("clear: handle cleanup failed", "error", err)
		}
		return nil
	case protocol.CmdDetach:
		if !c.requireRights(budget, accounts.RightDetach) {
			return fmt.Errorf("rpcserver: security exception")
		}
		if len(args) < 1 {
			return fmt.Errorf("rpcserver: detach: missing key argument")
		}
		ok := c.pool.Detach(args[0])
		return framing.WriteArrayMessage(c.conn, budget, boolStr(ok))
	case protocol.CmdSetMaxIdleTime:
		return c.handleSetMaxIdleTime(budget, args)
	case protocol.CmdSetMax:
		return c.handleSetInt(budget, args, c.pool.SetMax)
	case protocol.CmdSetMaxPerApp:
		return c.handleSetInt(budget, args, c.pool.SetMaxPerApp)
	case protocol.CmdGetActive:
		if !c.requireRights(budget, accounts.RightGetParameters) {
			return fmt.Errorf("rpcserver: security exception")
		}
		return framing.WriteArrayMessage(c.conn, budget, strconv.Itoa(c.pool.GetActive()))
	case protocol.CmdGetCount:
		if !c.requireRights(budget, accounts.RightGetParameters) {
			return fmt.Errorf("rpcserver: security exception")
		}
		return framing.WriteArrayMessage(c.conn, budget, strconv.Itoa(c.pool.GetCount()))
	case protocol.CmdGetGlobalQueueSize:
		if !c.requireRights(budget, accounts.RightGetParameters) {
			return fmt.Errorf("rpcserver: security exception")
		}
		return framing.WriteArrayMessage(c.conn, budget, strconv.Itoa(c.pool.GetGlobalQueueSize()))
	case protocol.CmdInspect:
		if !c.requireRights(budget, accounts.RightInspectBasicInfo) {
			return fmt.Errorf("rpcserver: security exception")
		}
		return framing.NewScalarWriter(c.conn).WriteScalarMessage([]byte(c.pool.Inspect()), budget)
	case protocol.CmdInspectJSON:
		if !c.requireRights(budget, accounts.RightInspectBasicInfo) {
			return fmt.Errorf("rpcserver: security exception")
		}
		data, err := c.pool.InspectJSON()
		if err != nil {
			return fmt.Errorf("rpcserver: inspect json: %w", err)
		}
		return framing.NewScalarWriter(c.conn).WriteScalarMessage(data, budget)
	case protocol.CmdToXml:
		if !c.requireRights(budget, accounts.RightInspectBasicInfo) {
			return fmt.Errorf("rpcserver: security exception")
		}
		includeSensitive := len(args) > 0 && args[0] == "true" && c.account.Rights().Has(accounts.RightInspectSensitiveInfo)
		return framing.NewScalarWriter(c.conn).WriteScalarMessage([]byte(c.pool.ToXml(includeSensitive)), budget)
	case protocol.CmdExit:
		return c.handleExit(budget, args)
	default:
		return fmt.Errorf("rpcserver: unknown command %q", cmd)
	}
}

func (c *connection) handleSetMaxIdleTime(budget *framing.Budget, args []string) error {
	if !c.requireRights(budget, accounts.RightSetParameters) {
		return fmt.Errorf("rpcserver: security exception")
	}
	if len(args) < 1 {
		return fmt.Errorf("rpcserver: setMaxIdleTime: missing argument")
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("rpcserver: setMaxIdleTime: %w", err)
	}
	c.pool.SetMaxIdleTime(time.Duration(seconds) * time.Second)
	return nil
}

func (c *connection) handleSetInt(budget *framing.Budget, args []string, set func(int)) error {
	if !c.requireRights(budget, accounts.RightSetParameters) {
		return fmt.Errorf("rpcserver: security exception")
	}
	if len(args) < 1 {
		return fmt.Errorf("rpcserver: missing integer argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("rpcserver: parse integer argument: %w", err)
	}
	set(n)
	return nil
}

// handleExit implements the `exit` command (spec.md section 4.6). The
// "immediately" argument skips the reply entirely and tears the process
// down right away, matching LoggingServer.h's ev_unloop-on-immediately
// behavior; otherwise it writes the two-message graceful handshake
// ("Passed security" then "exit command received") and asks the owning
// Server to begin a normal shutdown once this connection is done.
func (c *connection) handleExit(budget *framing.Budget, args []string) error {
	if !c.requireRights(budget, accounts.RightExit) {
		return fmt.Errorf("rpcserver: security exception")
	}

	if len(args) > 0 && args[0] == "immediately" {
		if c.requestImmediateExit != nil {
			c.requestImmediateExit()
		}
		return nil
	}

	if err := framing.WriteArrayMessage(c.conn, budget, protocol.RespPassedSecurity); err != nil {
		return err
	}
	if err := framing.WriteArrayMessage(c.conn, budget, protocol.RespExitReceived); err != nil {
		return err
	}
	if c.requestGracefulExit != nil {
		c.requestGracefulExit()
	}
	return nil
}

// handleGet implements the `get` command (spec.md section 4.6), including
// the optional lazy getEnvironmentVariables round-trip and the SCM_RIGHTS
// hand-off of the worker socket on success.
func (c *connection) handleGet(ctx context.Context, budget *framing.Budget, args []string) error {
	if !c.requireRights(budget, accounts.RightGet) {
		return fmt.Errorf("rpcserver: security exception")
	}

	opts, wantsEnv := parseGetOptions(args)

	if wantsEnv {
		if err := framing.WriteArrayMessage(c.conn, budget, string(protocol.CmdGetEnvironmentVars)); err != nil {
			return err
		}
		// The peer replies with a scalar of base64(NUL-separated
		// KEY=VALUE pairs), or an empty scalar to decline. The spawn
		// helper already received the application's environment at
		// launch, so the reply is only drained here, not interpreted.
		if _, err := framing.NewScalarReader(c.conn, 1<<20).ReadScalarMessage(budget); err != nil {
			return fmt.Errorf("rpcserver: read environment vars reply: %w", err)
		}
	}

	sess, err := c.pool.Get(ctx, opts)
	if err != nil {
		return c.writeGetError(budget, err)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.sessions[id] = sess
	c.mu.Unlock()

	if err := framing.WriteArrayMessage(c.conn, budget, protocol.RespOK, strconv.Itoa(sess.Handle.PID), strconv.FormatUint(id, 10)); err != nil {
		return err
	}

	return c.sendWorkerFD(budget, sess)
}

// filer is satisfied by *net.UnixConn and *net.TCPConn, both of which the
// worker's main socket may be (spec.md section 6, worker socket is
// transport-opaque).
type filer interface {
	File() (*os.File, error)
}

func (c *connection) sendWorkerFD(budget *framing.Budget, sess *pool.Session) error {
	fc, ok := sess.Conn.(filer)
	if !ok {
		return fmt.Errorf("rpcserver: worker connection type %T cannot be passed as an fd", sess.Conn)
	}
	f, err := fc.File()
	if err != nil {
		return fmt.Errorf("rpcserver: dup worker socket: %w", err)
	}
	defer f.Close()

	return framing.SendFDWithNegotiation(c.conn, int(f.Fd()), budget)
}

// writeGetError renders a failed Get() as the discriminated response shape
// spec.md section 4.6 requires: SpawnException carries an optional HTML
// error page as a trailing scalar, BusyException and IOException carry only
// the message.
func (c *connection) writeGetError(budget *framing.Budget, err error) error {
	pe, ok := poolerr.As(err)
	if !ok {
		return framing.WriteArrayMessage(c.conn, budget, protocol.RespIOException, err.Error())
	}

	switch pe.Kind {
	case poolerr.KindSpawn:
		if werr := framing.WriteArrayMessage(c.conn, budget, protocol.RespSpawnException, pe.Message, boolStr(pe.HasErrorPage)); werr != nil {
			return werr
		}
		if pe.HasErrorPage {
			return framing.NewScalarWriter(c.conn).WriteScalarMessage(pe.ErrorPage, budget)
		}
		return nil
	case poolerr.KindBusy, poolerr.KindQueueFull:
		return framing.WriteArrayMessage(c.conn, budget, protocol.RespBusyException, pe.Message)
	default:
		return framing.WriteArrayMessage(c.conn, budget, protocol.RespIOException, pe.Error())
	}
}

func (c *connection) handleClose(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("rpcserver: close: missing session id")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("rpcserver: close: %w", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if ok {
		return sess.Close()
	}
	return nil
}

func (c *connection) closeAllSessions() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[uint64]*pool.Session)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// parseGetOptions decodes the flat key/value argument list of a `get`
// command into GetOptions. "fetch_environment_vars"="true" triggers the
// lazy getEnvironmentVariables round-trip.
func parseGetOptions(args []string) (protocol.GetOptions, bool) {
	opts := protocol.GetOptions{}
	wantsEnv := false
	raw := make(protocol.SpawnOptions, 0, len(args)/2)

	for i := 0; i+1 < len(args); i += 2 {
		key, value := args[i], args[i+1]
		switch key {
		case "app_group_name":
			opts.AppGroupName = value
		case "app_root":
			opts.AppRoot = value
		case "environment":
			opts.Environment = value
		case "use_global_queue":
			opts.UseGlobalQueue = value == "true"
		case "fetch_environment_vars":
			wantsEnv = value == "true"
		default:
			raw = append(raw, protocol.SpawnOption{Key: key, Value: value})
		}
	}
	opts.Raw = raw
	return opts, wantsEnv
}

func boolStr(b bool) string {
	if b {
		return protocol.RespTrue
	}
	return protocol.RespFalse
}
