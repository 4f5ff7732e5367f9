// Package poolclient is a thin Go client for the Pool RPC protocol
// (spec.md section 4.6), for peers that want to drive a running pool
// without hand-rolling the wire format themselves.
package poolclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// Client is a single authenticated connection to a Pool RPC server.
type Client struct {
	conn *net.UnixConn

	mu sync.Mutex
}

// Dial connects to socketPath and authenticates as username/password.
func Dial(ctx context.Context, socketPath, username, password string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("poolclient: dial %s: %w", socketPath, err)
	}
	uconn := conn.(*net.UnixConn)

	budget := deadlineBudget(ctx)
	sw := framing.NewScalarWriter(uconn)
	if err := sw.WriteScalarMessage([]byte(username), budget); err != nil {
		uconn.Close()
		return nil, fmt.Errorf("poolclient: send username: %w", err)
	}
	if err := sw.WriteScalarMessage([]byte(password), budget); err != nil {
		uconn.Close()
		return nil, fmt.Errorf("poolclient: send password: %w", err)
	}
	resp, err := framing.ReadArrayMessage(uconn, budget)
	if err != nil {
		uconn.Close()
		return nil, fmt.Errorf("poolclient: read auth response: %w", err)
	}
	if len(resp) == 0 || resp[0] != protocol.RespPassedSecurity {
		uconn.Close()
		return nil, fmt.Errorf("poolclient: authentication rejected: %v", resp)
	}

	return &Client{conn: uconn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Session is a handle to one checked-out worker connection, as returned
// by Get.
type Session struct {
	id  uint64
	pid int
}

// PID returns the worker process id this session was dispatched to.
func (s *Session) PID() int { return s.pid }

// Get issues a "get" command for the given application, returning the
// assigned worker's session handle. The caller is responsible for issuing
// Close with the returned session id when done with the worker.
func (c *Client) Get(ctx context.Context, opts protocol.GetOptions) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := deadlineBudget(ctx)
	args := []string{string(protocol.CmdGet)}
	if opts.AppGroupName != "" {
		args = append(args, "app_group_name", opts.AppGroupName)
	}
	if opts.AppRoot != "" {
		args = append(args, "app_root", opts.AppRoot)
	}
	if opts.Environment != "" {
		args = append(args, "environment", opts.Environment)
	}
	if opts.UseGlobalQueue {
		args = append(args, "use_global_queue", "true")
	}
	for _, kv := range opts.Raw {
		args = append(args, kv.Key, kv.Value)
	}

	if err := framing.WriteArrayMessage(c.conn, budget, args...); err != nil {
		return nil, fmt.Errorf("poolclient: send get: %w", err)
	}

	resp, err := framing.ReadArrayMessage(c.conn, budget)
	if err != nil {
		return nil, fmt.Errorf("poolclient: read get response: %w", err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("poolclient: empty get response")
	}
	if resp[0] != protocol.RespOK {
		msg := ""
		if len(resp) > 1 {
			msg = resp[1]
		}
		return nil, fmt.Errorf("poolclient: get failed: %s: %s", resp[0], msg)
	}
	if len(resp) != 3 {
		return nil, fmt.Errorf("poolclient: malformed get response: %v", resp)
	}

	pid, err := strconv.Atoi(resp[1])
	if err != nil {
		return nil, fmt.Errorf("poolclient: parse pid: %w", err)
	}
	id, err := strconv.ParseUint(resp[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("poolclient: parse session id: %w", err)
	}

	if _, err := framing.RecvFDWithNegotiation(c.conn, budget); err != nil {
		return nil, fmt.Errorf("poolclient: receive worker fd: %w", err)
	}

	return &Session{id: id, pid: pid}, nil
}

// CloseSession releases a session previously obtained from Get.
func (c *Client) CloseSession(ctx context.Context, sess *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	return framing.WriteArrayMessage(c.conn, budget, string(protocol.CmdClose), strconv.FormatUint(sess.id, 10))
}

// Detach removes a worker identified by its detach key.
func (c *Client) Detach(ctx context.Context, detachKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	if err := framing.WriteArrayMessage(c.conn, budget, string(protocol.CmdDetach), detachKey); err != nil {
		return false, err
	}
	resp, err := framing.ReadArrayMessage(c.conn, budget)
	if err != nil {
		return false, err
	}
	return len(resp) == 1 && resp[0] == protocol.RespTrue, nil
}

// Inspect returns the pool's human-readable status text.
func (c *Client) Inspect(ctx context.Context) (string, error) {
	return c.readScalarCommand(ctx, protocol.CmdInspect)
}

// ToXml returns the pool's XML snapshot.
func (c *Client) ToXml(ctx context.Context) (string, error) {
	return c.readScalarCommand(ctx, protocol.CmdToXml)
}

// InspectJSON returns the pool's status snapshot as raw JSON, encoded
// with whichever codec the server selected via POOLCORE_JSON_CODEC.
func (c *Client) InspectJSON(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	if err := framing.WriteArrayMessage(c.conn, budget, string(protocol.CmdInspectJSON)); err != nil {
		return nil, err
	}
	return framing.NewScalarReader(c.conn, 1<<24).ReadScalarMessage(budget)
}

func (c *Client) readScalarCommand(ctx context.Context, cmd protocol.Command) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	if err := framing.WriteArrayMessage(c.conn, budget, string(cmd)); err != nil {
		return "", err
	}
	body, err := framing.NewScalarReader(c.conn, 1<<24).ReadScalarMessage(budget)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetCount returns the number of live workers in the pool.
func (c *Client) GetCount(ctx context.Context) (int, error) {
	return c.readIntCommand(ctx, protocol.CmdGetCount)
}

// GetActive returns the number of workers currently serving a request.
func (c *Client) GetActive(ctx context.Context) (int, error) {
	return c.readIntCommand(ctx, protocol.CmdGetActive)
}

func (c *Client) readIntCommand(ctx context.Context, cmd protocol.Command) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	if err := framing.WriteArrayMessage(c.conn, budget, string(cmd)); err != nil {
		return 0, err
	}
	resp, err := framing.ReadArrayMessage(c.conn, budget)
	if err != nil {
		return 0, err
	}
	if len(resp) != 1 {
		return 0, fmt.Errorf("poolclient: malformed integer response: %v", resp)
	}
	return strconv.Atoi(resp[0])
}

// Exit sends the graceful exit command. The server answers with two
// replies ("Passed security", then "exit command received"), closes the
// connection and signals its owning process to shut down. Exit returns
// after reading the first reply.
func (c *Client) Exit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := deadlineBudget(ctx)
	if err := framing.WriteArrayMessage(c.conn, budget, string(protocol.CmdExit)); err != nil {
		return err
	}
	_, err := framing.ReadArrayMessage(c.conn, budget)
	return err
}

// deadlineBudget converts ctx's deadline, if any, into a framing.Budget.
// A context with no deadline maps to a nil budget, i.e. no per-call
// timeout beyond the connection's own lifetime.
func deadlineBudget(ctx context.Context) *framing.Budget {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return framing.NewBudget(remaining)
}
