// Package pool implements the top-level scheduler described in spec.md
// section 4.5: capacity enforcement across applications, a global request
// queue, an idle reaper, and an optional metrics collector, all built on
// top of the Group/WorkerHandle/SpawnManager types in this package.
package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/text/unicode/norm"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/poolcodec"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/poolerr"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// MaxGetAttempts bounds how many times Get retries a failed worker connect
// against a freshly selected handle before surfacing the last error
// (spec.md section 4.5, step 4).
const MaxGetAttempts = 10

// Config holds the mutable limits Pool enforces. All fields may be changed
// at runtime through the corresponding Set* methods.
type Config struct {
	Max                 int
	MaxPerApp           int
	MaxIdleTime         time.Duration
	MaxRequestQueueSize int
}

// Pool is the top-level scheduler. One mutex guards all of its state;
// operations drop it around blocking work (spawn, connect, metrics
// collection) per spec.md section 5.
type Pool struct {
	mu sync.Mutex

	newGroupCreatable      *sync.Cond
	globalQueuePosAvailable *sync.Cond

	cfg Config

	groups   map[string]*Group
	handles  map[HandleID]*WorkerHandle
	inactive inactiveList

	count  int
	active int

	globalQueueSize int

	spawnMgr Spawner
	accounts *accounts.Database
	logger   *poollog.Logger

	nextSessionID uint64

	closed bool
	bg     conc.WaitGroup

	reaperWake chan struct{}
}

// Spawner is the subset of SpawnManager that Pool depends on, narrowed to
// an interface so tests can substitute a fake helper without launching a
// real subprocess.
type Spawner interface {
	Spawn(ctx context.Context, opts protocol.GetOptions, raw protocol.SpawnOptions) (*protocol.SpawnResult, error)
	Reload(ctx context.Context, groupName string) error
}

// New creates a Pool. spawnMgr and accountsDB must be non-nil; accountsDB
// is used to mint and retire the ephemeral per-worker service accounts
// described in spec.md section 4.2.
func New(cfg Config, spawnMgr Spawner, accountsDB *accounts.Database, logger *poollog.Logger) *Pool {
	p := &Pool{
		cfg:        cfg,
		groups:     make(map[string]*Group),
		handles:    make(map[HandleID]*WorkerHandle),
		spawnMgr:   spawnMgr,
		accounts:   accountsDB,
		logger:     logger,
		reaperWake: make(chan struct{}, 1),
	}
	p.newGroupCreatable = sync.NewCond(&p.mu)
	p.globalQueuePosAvailable = sync.NewCond(&p.mu)
	return p
}

// Get acquires a worker for opts and returns a live Session (spec.md
// section 4.5).
func (p *Pool) Get(ctx context.Context, opts protocol.GetOptions) (*Session, error) {
	p.mu.Lock()
	for attempt := 0; ; {
		handle, waitReason, err := p.selectOrCreateHandle(ctx, opts)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if waitReason != waitNone {
			p.waitFor(waitReason)
			if waitReason == waitGlobalQueue {
				p.globalQueueSize--
			}
			continue // restart algorithm per spec.md 4.5 step 2/3
		}

		handle.LastUsed = time.Now()
		handle.Sessions.Inc()
		p.mu.Unlock()

		sess, err := p.connectSession(handle, opts)
		if err == nil {
			return sess, nil
		}

		p.mu.Lock()
		handle.Sessions.Dec()
		p.detachHandleLocked(handle)

		if isUnrecoverableConnectError(err) {
			p.mu.Unlock()
			return nil, poolerr.Wrap(poolerr.KindIO, "connect to worker", err)
		}

		attempt++
		if attempt >= MaxGetAttempts {
			p.mu.Unlock()
			return nil, poolerr.Wrap(poolerr.KindIO, "connect to worker: attempts exhausted", err)
		}
		// loop again with mutex held, retrying selection.
	}
}

type waitReason int

const (
	waitNone waitReason = iota
	waitNewGroupCreatable
	waitGlobalQueue
)

func (p *Pool) waitFor(reason waitReason) {
	switch reason {
	case waitNewGroupCreatable:
		p.newGroupCreatable.Wait()
	case waitGlobalQueue:
		p.globalQueuePosAvailable.Wait()
	}
}

// selectOrCreateHandle implements the body of spec.md section 4.5's Get
// loop up through step 3. It must be called with p.mu held, and returns
// with p.mu still held (the caller drops it itself once a handle is
// chosen, per the spec's "drop the mutex" instruction in step 4).
func (p *Pool) selectOrCreateHandle(ctx context.Context, opts protocol.GetOptions) (*WorkerHandle, waitReason, error) {
	key := opts.GroupKey()
	g := p.groups[key]

	if g != nil && g.needsRestart(time.Now()) {
		if err := p.spawnMgr.Reload(ctx, g.Name); err != nil {
			p.logger.Warn("reload failed", "group", g.Name, "error", err)
		}
		p.detachGroupLocked(g)
		g = nil
	}

	if g != nil {
		if len(g.Processes) > 0 && !g.allBusy() {
			h := g.selectProcess()
			p.inactive.remove(h)
			p.active++
			return h, waitNone, nil
		}

		if p.backgroundSpawnAllowed(g) && !g.Spawning {
			p.startBackgroundSpawner(g)
		}

		if opts.UseGlobalQueue {
			if p.cfg.MaxRequestQueueSize > 0 && p.globalQueueSize >= p.cfg.MaxRequestQueueSize {
				return nil, waitNone, poolerr.New(poolerr.KindQueueFull, "global request queue is full")
			}
			p.globalQueueSize++
			return nil, waitGlobalQueue, nil
		}

		h := g.selectProcess()
		return h, waitNone, nil
	}

	// Group does not exist yet.
	if p.active == p.cfg.Max && p.cfg.Max > 0 {
		return nil, waitNewGroupCreatable, nil
	}
	if p.count == p.cfg.Max && p.cfg.Max > 0 {
		if victim := p.inactive.oldest(); victim != nil {
			p.detachHandleLocked(victim)
		}
	}

	p.mu.Unlock()
	result, err := p.spawnMgr.Spawn(ctx, opts, opts.Raw)
	p.mu.Lock()
	if err != nil {
		return nil, waitNone, err
	}

	h, err := p.installSpawnedHandle(key, opts, result)
	if err != nil {
		return nil, waitNone, err
	}
	p.active++
	return h, waitNone, nil
}

func (p *Pool) installSpawnedHandle(key string, opts protocol.GetOptions, result *protocol.SpawnResult) (*WorkerHandle, error) {
	g, ok := p.groups[key]
	if !ok {
		g = NewGroup(opts.AppRoot, key, opts.Environment)
		p.groups[key] = g
		p.maybeStartRestartWatch(g)
	}

	detachKey, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindSystem, "generate detach key", err)
	}
	connectPassword, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindSystem, "generate connect password", err)
	}
	gupid, err := accounts.GenerateToken(16)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.KindSystem, "generate gupid", err)
	}

	sockets := make(map[protocol.SocketRole]protocol.SocketInfo, len(result.Sockets))
	for _, s := range result.Sockets {
		sockets[s.Role] = s
	}
	if _, ok := sockets[protocol.MainSocketRole]; !ok {
		return nil, poolerr.New(poolerr.KindSpawn, "spawn result missing main socket")
	}

	h := &WorkerHandle{
		ID:              newHandleID(),
		GroupID:         g.ID,
		PID:             result.PID,
		CreatedAt:       time.Now(),
		LastUsed:        time.Now(),
		Sockets:         sockets,
		OwnerPipeFD:     result.OwnerPipeFD,
		DetachKey:       detachKey,
		ConnectPassword: connectPassword,
		Gupid:           gupid,
	}

	g.Processes = append(g.Processes, h)
	p.handles[h.ID] = h
	p.count++
	return h, nil
}

// backgroundSpawnAllowed reports whether Group g may spawn more workers
// given current pool-wide and per-group capacity (spec.md section 4.4).
func (p *Pool) backgroundSpawnAllowed(g *Group) bool {
	if p.cfg.Max > 0 && p.count >= p.cfg.Max {
		return false
	}
	if p.cfg.MaxPerApp > 0 && g.Size() >= p.cfg.MaxPerApp {
		return false
	}
	return true
}

// startBackgroundSpawner launches Group g's detached spawner task, which
// keeps calling SpawnManager.Spawn until the group reaches MinProcesses,
// capacity disallows further spawning, or the group is detached (spec.md
// section 4.4). It runs on Pool's conc.WaitGroup, which catches a panic
// inside it and re-raises it when Shutdown waits on the group.
func (p *Pool) startBackgroundSpawner(g *Group) {
	g.Spawning = true
	opts := protocol.GetOptions{AppGroupName: g.Name, AppRoot: g.AppRoot, Environment: g.Environment}

	p.bg.Go(func() {
		for {
			p.mu.Lock()
			if g.Detached || g.Size() >= g.MinProcesses || !p.backgroundSpawnAllowed(g) {
				g.Spawning = false
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()

			result, err := p.spawnMgr.Spawn(context.Background(), opts, nil)

			p.mu.Lock()
			if err != nil {
				p.logger.Warn("background spawn failed, detaching group", "group", g.Name, "error", err)
				p.detachGroupLocked(g)
				p.mu.Unlock()
				return
			}
			h, err := p.installBackgroundHandle(g, result)
			if err != nil {
				p.logger.Warn("install spawned handle failed, detaching group", "group", g.Name, "error", err)
				p.detachGroupLocked(g)
				p.mu.Unlock()
				return
			}
			g.insertFront(h)
			p.inactive.pushBack(h)
			p.count++
			p.newGroupCreatable.Broadcast()
			p.mu.Unlock()
		}
	})
}

func (p *Pool) installBackgroundHandle(g *Group, result *protocol.SpawnResult) (*WorkerHandle, error) {
	detachKey, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, err
	}
	connectPassword, err := accounts.GenerateToken(32)
	if err != nil {
		return nil, err
	}
	gupid, err := accounts.GenerateToken(16)
	if err != nil {
		return nil, err
	}

	sockets := make(map[protocol.SocketRole]protocol.SocketInfo, len(result.Sockets))
	for _, s := range result.Sockets {
		sockets[s.Role] = s
	}
	if _, ok := sockets[protocol.MainSocketRole]; !ok {
		return nil, fmt.Errorf("pool: spawned handle missing main socket")
	}

	h := &WorkerHandle{
		ID: newHandleID(), GroupID: g.ID, PID: result.PID,
		CreatedAt: time.Now(), LastUsed: time.Now(),
		Sockets: sockets, OwnerPipeFD: result.OwnerPipeFD, DetachKey: detachKey,
		ConnectPassword: connectPassword, Gupid: gupid,
	}
	p.handles[h.ID] = h
	return h, nil
}

// connectSession dials handle's main socket and builds a Session. Called
// with the pool mutex released (spec.md section 5).
func (p *Pool) connectSession(handle *WorkerHandle, opts protocol.GetOptions) (*Session, error) {
	main, ok := handle.MainSocket()
	if !ok {
		return nil, fmt.Errorf("pool: handle has no main socket")
	}

	network := string(main.Transport)
	conn, err := net.DialTimeout(network, main.Address, 5*time.Second)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	id := p.nextSessionID
	p.nextSessionID++
	p.mu.Unlock()

	sess := &Session{
		ID: id, Handle: handle, Role: main.Role, Address: main.Address,
		Transport: main.Transport, Conn: conn,
		DetachKey: handle.DetachKey, ConnectPassword: handle.ConnectPassword,
		initiated: true,
	}
	sess.onClose = p.releaseSession
	return sess, nil
}

// releaseSession is Session's close callback: it decrements the handle's
// session count and, if the handle is now idle, moves it to the inactive
// LRU and wakes waiters (spec.md section 4.5/4.4).
func (p *Pool) releaseSession(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := sess.Handle
	if h.Sessions.Dec() == 0 {
		p.inactive.pushBack(h)
		p.active--
		p.newGroupCreatable.Broadcast()
		p.globalQueuePosAvailable.Broadcast()
	}

	h.Processed.Inc()
	g := p.findGroupByID(h.GroupID)
	if g != nil && g.MaxRequestsPerProcess > 0 && h.Processed.Load() >= g.MaxRequestsPerProcess {
		p.detachHandleLocked(h)
	}
}

func (p *Pool) findGroupByID(id GroupID) *Group {
	for _, g := range p.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// Detach removes the handle carrying detachKey, if any, and reports
// whether one was found (spec.md section 4.5, idempotent per section 8).
func (p *Pool) Detach(detachKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.handles {
		if h.DetachKey == detachKey && !h.Detached {
			p.detachHandleLocked(h)
			return true
		}
	}
	return false
}

// detachHandleLocked removes h from its group, the inactive LRU, and the
// handle arena, decrementing counters, then releases its owner pipe and
// Unix-domain server sockets. Caller holds p.mu. Any cleanup failure is
// returned rather than swallowed, so callers that detach many handles at
// once (detachGroupLocked, Clear) can aggregate and eventually surface it.
func (p *Pool) detachHandleLocked(h *WorkerHandle) error {
	if h.Detached {
		return nil
	}
	h.Detached = true

	p.inactive.remove(h)
	g := p.findGroupByID(h.GroupID)
	if g != nil {
		g.removeHandle(h)
	}
	delete(p.handles, h.ID)
	p.accounts.RemoveWorkerAccounts(fmt.Sprintf("%d", h.ID))
	p.count--
	p.newGroupCreatable.Broadcast()

	err := h.releaseResources()

	// A group with no handles left violates the non-empty invariant
	// (spec.md section 3); retire it along with its last handle.
	if g != nil && !g.Detached && g.Size() == 0 {
		err = poolerr.Append(err, p.detachGroupLocked(g))
	}
	return err
}

// detachGroupLocked marks g detached, removes every handle it owns, and
// unlinks it from the groups map (spec.md section 4.4), aggregating any
// handle cleanup failures.
func (p *Pool) detachGroupLocked(g *Group) error {
	g.Detached = true
	var err error
	for _, h := range append([]*WorkerHandle{}, g.Processes...) {
		err = poolerr.Append(err, p.detachHandleLocked(h))
	}
	if g.restartWatchStop != nil {
		g.restartWatchStop()
		g.restartWatchStop = nil
	}
	if p.groups[g.Name] == g {
		delete(p.groups, g.Name)
	}
	return err
}

// maybeStartRestartWatch starts an advisory fsnotify watcher on g's
// RestartDir, if that directory exists. The directory is created lazily
// by application deploy tooling (it's the app's own "tmp" directory), so
// a missing directory at group-creation time is normal and simply means
// no wakeup watcher runs until the next restart check's throttled stat
// poll picks things up on its own.
func (p *Pool) maybeStartRestartWatch(g *Group) {
	if _, err := os.Stat(g.RestartDir); err != nil {
		return
	}
	stop, err := watchRestartDir(g.RestartDir, func() {
		p.mu.Lock()
		g.lastRestartCheck = time.Time{}
		p.mu.Unlock()
	})
	if err != nil {
		p.logger.Debug("restart file watcher unavailable", "group", g.Name, "error", err)
		return
	}
	g.restartWatchStop = stop
}

// Clear detaches every group (spec.md section 4.5, idempotent), returning
// the aggregate of every handle's owner-pipe/socket cleanup failure. The
// RPC `clear` command has no reply payload (spec.md section 4.6), so
// callers that don't care about cleanup failures may discard the result;
// Shutdown does not.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, g := range p.groups {
		err = poolerr.Append(err, p.detachGroupLocked(g))
	}
	p.newGroupCreatable.Broadcast()
	p.globalQueuePosAvailable.Broadcast()
	return err
}

// SetMax changes the pool-wide worker cap. Existing workers above the new
// cap are not killed; natural retirement reduces count toward it
// (spec.md section 8).
func (p *Pool) SetMax(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Max = n
	p.newGroupCreatable.Broadcast()
}

// SetMaxPerApp changes the per-group worker cap.
func (p *Pool) SetMaxPerApp(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxPerApp = n
}

// SetMaxIdleTime changes the reaper's idle threshold. Zero disables timed
// reaping until changed again (spec.md section 8).
func (p *Pool) SetMaxIdleTime(d time.Duration) {
	p.mu.Lock()
	p.cfg.MaxIdleTime = d
	p.mu.Unlock()
	select {
	case p.reaperWake <- struct{}{}:
	default:
	}
}

func (p *Pool) GetActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) GetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pool) GetGlobalQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.globalQueueSize
}

func isUnrecoverableConnectError(err error) bool {
	return strings.Contains(err.Error(), "too many open files")
}

// Inspect renders a human-readable snapshot of pool state.
func (p *Pool) Inspect() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "count: %d\nactive: %d\nmax: %d\nglobal queue: %d\n", p.count, p.active, p.cfg.Max, p.globalQueueSize)

	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := p.groups[name]
		fmt.Fprintf(&b, "\ngroup %s (%s):\n", g.Name, g.AppRoot)
		for _, h := range g.Processes {
			fmt.Fprintf(&b, "  pid=%d sessions=%d processed=%d\n", h.PID, h.Sessions.Load(), h.Processed.Load())
		}
	}
	return b.String()
}

// ToXml renders a machine-readable snapshot. Sensitive fields (connect
// password, full socket list) are only included when includeSensitive is
// true, mirroring the rights check the RPC server performs before calling
// this with includeSensitive=true (spec.md section 4.5/4.6). String
// content is normalized to NFC, since application/group names may arrive
// from arbitrary filesystem paths in any Unicode normalization form.
func (p *Pool) ToXml(includeSensitive bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<info>\n")
	fmt.Fprintf(&b, "  <process_count>%d</process_count>\n", p.count)
	fmt.Fprintf(&b, "  <max>%d</max>\n", p.cfg.Max)
	b.WriteString("  <groups>\n")

	for _, g := range p.groups {
		fmt.Fprintf(&b, "    <group>\n      <name>%s</name>\n      <app_root>%s</app_root>\n",
			toXmlText(g.Name), toXmlText(g.AppRoot))
		for _, h := range g.Processes {
			fmt.Fprintf(&b, "      <process>\n        <pid>%d</pid>\n        <sessions>%d</sessions>\n        <gupid>%s</gupid>\n",
				h.PID, h.Sessions.Load(), toXmlText(h.Gupid))
			if includeSensitive {
				fmt.Fprintf(&b, "        <connect_password>%s</connect_password>\n", toXmlText(h.ConnectPassword))
				for role, sock := range h.Sockets {
					fmt.Fprintf(&b, "        <socket role=\"%s\" address=\"%s\" transport=\"%s\"/>\n",
						toXmlText(string(role)), toXmlText(sock.Address), toXmlText(string(sock.Transport)))
				}
			}
			b.WriteString("      </process>\n")
		}
		b.WriteString("    </group>\n")
	}
	b.WriteString("  </groups>\n</info>\n")
	return b.String()
}

// inspectSnapshot is the JSON-serializable view of pool state returned by
// InspectJSON; it carries the same non-sensitive fields as Inspect()'s
// text rendering.
type inspectSnapshot struct {
	Count           int                    `json:"count"`
	Active          int                    `json:"active"`
	Max             int                    `json:"max"`
	GlobalQueueSize int                    `json:"global_queue_size"`
	Groups          []inspectGroupSnapshot `json:"groups"`
}

type inspectGroupSnapshot struct {
	Name     string                   `json:"name"`
	AppRoot  string                   `json:"app_root"`
	Processes []inspectProcessSnapshot `json:"processes"`
}

type inspectProcessSnapshot struct {
	PID       int    `json:"pid"`
	Sessions  int64  `json:"sessions"`
	Processed uint64 `json:"processed"`
}

// InspectJSON renders the same snapshot as Inspect(), encoded with the
// JSON codec selected by POOLCORE_JSON_CODEC (internal/poolcodec),
// defaulting to goccy/go-json.
func (p *Pool) InspectJSON() ([]byte, error) {
	p.mu.Lock()
	snap := inspectSnapshot{Count: p.count, Active: p.active, Max: p.cfg.Max, GlobalQueueSize: p.globalQueueSize}
	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := p.groups[name]
		gs := inspectGroupSnapshot{Name: g.Name, AppRoot: g.AppRoot}
		for _, h := range g.Processes {
			gs.Processes = append(gs.Processes, inspectProcessSnapshot{
				PID: h.PID, Sessions: h.Sessions.Load(), Processed: h.Processed.Load(),
			})
		}
		snap.Groups = append(snap.Groups, gs)
	}
	p.mu.Unlock()

	return poolcodec.DefaultJSONCodec().Marshal(snap)
}

func toXmlText(s string) string {
	normalized := norm.NFC.String(s)
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")
	return replacer.Replace(normalized)
}

// StartIdleReaper launches the background task that detaches inactive
// handles idle longer than the pool-wide MaxIdleTime (spec.md section
// 4.5). It stops
// when ctx is cancelled.
func (p *Pool) StartIdleReaper(ctx context.Context) {
	p.bg.Go(func() {
		for {
			p.mu.Lock()
			idle := p.cfg.MaxIdleTime
			p.mu.Unlock()

			wait := idle + time.Second
			if idle <= 0 {
				wait = 365 * 24 * time.Hour
			}

			select {
			case <-ctx.Done():
				return
			case <-p.reaperWake:
				continue
			case <-time.After(wait):
			}

			p.reapIdleHandles()
		}
	})
}

func (p *Pool) reapIdleHandles() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	now := time.Now()
	for _, h := range p.inactive.all() {
		if now.Sub(h.LastUsed) <= p.cfg.MaxIdleTime {
			continue
		}
		g := p.findGroupByID(h.GroupID)
		if g != nil && g.Size() <= g.MinProcesses {
			continue
		}
		p.detachHandleLocked(h)
	}
}

// StartMetricsCollector launches the background task that periodically
// samples every worker's OS process metrics (spec.md section 4.5). It
// stops when ctx is cancelled. When cachePath is non-empty, each tick's
// result is also persisted there with internal/poolcodec's MessagePack
// codec, so a subsequent process (or this one, after a restart) can read
// back the last-known metrics without waiting for the next tick -- a
// small binary cache never meant for a human, the same rationale the
// teacher applies to its own msgpack codec.
func (p *Pool) StartMetricsCollector(ctx context.Context, collector MetricsCollector, cachePath string) {
	if collector == nil {
		return
	}
	p.bg.Go(func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			p.collectMetricsOnce(ctx, collector, cachePath)
		}
	})
}

func (p *Pool) collectMetricsOnce(ctx context.Context, collector MetricsCollector, cachePath string) {
	p.mu.Lock()
	pids := make([]int, 0, len(p.handles))
	for _, h := range p.handles {
		pids = append(pids, h.PID)
	}
	p.mu.Unlock()

	metrics, err := collector.Collect(ctx, pids)
	if err != nil {
		p.logger.Warn("metrics collection failed", "error", err)
		return
	}

	p.mu.Lock()
	for _, h := range p.handles {
		if m, ok := metrics[h.PID]; ok {
			mCopy := m
			h.Metrics = &mCopy
		}
	}
	p.mu.Unlock()

	if cachePath != "" {
		if err := writeMetricsCache(cachePath, metrics); err != nil {
			p.logger.Warn("failed to persist metrics cache", "error", err)
		}
	}
}

func writeMetricsCache(path string, metrics map[int]ProcessMetrics) error {
	data, err := poolcodec.MessagePackCodec{}.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("pool: marshal metrics cache: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// readMetricsCache loads a metrics cache previously written by
// writeMetricsCache, e.g. to seed ProcessMetrics immediately after a
// restart rather than waiting for the first collector tick.
func readMetricsCache(path string) (map[int]ProcessMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pool: read metrics cache: %w", err)
	}
	var metrics map[int]ProcessMetrics
	if err := (poolcodec.MessagePackCodec{}).Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("pool: unmarshal metrics cache: %w", err)
	}
	return metrics, nil
}

// Shutdown marks the pool closed, waits (up to ctx) for the background
// reaper/metrics/spawner tasks to return, then clears the pool, detaching
// and releasing every group and handle. It does not stop those tasks
// itself: the reaper and metrics collector return when the ctx they were
// started with is cancelled. Both a background-task wait timeout and any handle
// cleanup failures encountered while clearing are preserved and returned
// together via poolerr.Append, rather than one masking the other.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	return poolerr.Append(waitErr, p.Clear())
}
