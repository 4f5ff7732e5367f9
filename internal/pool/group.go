package pool

import (
	"os"
	"path/filepath"
	"time"
)

// defaultStatThrottle is how often needsRestart is allowed to hit the
// filesystem per group (spec.md section 4.4, statThrottleRate).
const defaultStatThrottle = 1 * time.Second

// Group is one application's collection of WorkerHandles. It is owned
// exclusively by Pool, which invokes every method here only while holding
// its own mutex (spec.md section 4.4).
type Group struct {
	ID GroupID

	AppRoot     string
	Name        string
	Environment string

	Processes []*WorkerHandle

	Detached bool

	MaxRequestsPerProcess uint64
	MinProcesses          int

	Spawning bool

	AnalyticsEnabled bool
	AnalyticsKey     string

	RestartDir string

	lastRestartCheck time.Time
	restartFileMtime time.Time
	statThrottle     time.Duration

	spawnerStop chan struct{}

	// restartWatchStop stops the advisory fsnotify watcher on RestartDir,
	// if one was started (see watchRestartDir in restartwatch.go).
	restartWatchStop func()
}

// NewGroup creates an empty Group for the given application.
func NewGroup(appRoot, name, environment string) *Group {
	restartDir := filepath.Join(appRoot, "tmp")
	return &Group{
		ID:           newGroupID(),
		AppRoot:      appRoot,
		Name:         name,
		Environment:  environment,
		RestartDir:   restartDir,
		statThrottle: defaultStatThrottle,
	}
}

// Size returns the number of worker handles this group currently owns.
func (g *Group) Size() int { return len(g.Processes) }

// selectProcess implements spec.md section 4.4's dispatch rule: pick the
// handle with the smallest active-session count, breaking ties by earliest
// list position, then move the winner to the back of the list. This keeps
// zero-session handles sorted ahead of busy ones (the invariant in spec.md
// section 3) while round-robining among equally loaded handles.
func (g *Group) selectProcess() *WorkerHandle {
	if len(g.Processes) == 0 {
		return nil
	}

	bestIdx := 0
	best := g.Processes[0].Sessions.Load()
	for i := 1; i < len(g.Processes); i++ {
		if s := g.Processes[i].Sessions.Load(); s < best {
			best = s
			bestIdx = i
		}
	}

	h := g.Processes[bestIdx]
	g.Processes = append(g.Processes[:bestIdx], g.Processes[bestIdx+1:]...)
	g.Processes = append(g.Processes, h)
	return h
}

// insertFront adds a freshly spawned handle at the front of the process
// list, so it is picked by selectProcess before any already-loaded handle
// (spec.md section 4.4, background spawning).
func (g *Group) insertFront(h *WorkerHandle) {
	g.Processes = append([]*WorkerHandle{h}, g.Processes...)
}

// removeHandle deletes h from the process list. It is a no-op if h is not
// a member.
func (g *Group) removeHandle(h *WorkerHandle) {
	for i, p := range g.Processes {
		if p == h {
			g.Processes = append(g.Processes[:i], g.Processes[i+1:]...)
			return
		}
	}
}

// allBusy reports whether every handle in the group currently has at least
// one active session, i.e. dispatch would need a fresh worker rather than
// reusing an idle one.
func (g *Group) allBusy() bool {
	for _, h := range g.Processes {
		if h.Sessions.Load() == 0 {
			return false
		}
	}
	return len(g.Processes) > 0
}

// needsRestart checks spec.md section 4.4's two restart-trigger files,
// throttled to at most one stat() pair per statThrottle interval. The
// first observation of restart.txt only records a baseline mtime; a
// restart is only signalled once the mtime subsequently changes.
func (g *Group) needsRestart(now time.Time) bool {
	if now.Sub(g.lastRestartCheck) < g.statThrottle {
		return false
	}
	g.lastRestartCheck = now

	alwaysPath := filepath.Join(g.RestartDir, "always_restart.txt")
	if _, err := os.Stat(alwaysPath); err == nil {
		return true
	}

	restartPath := filepath.Join(g.RestartDir, "restart.txt")
	info, err := os.Stat(restartPath)
	if err != nil {
		return false
	}

	hadBaseline := !g.restartFileMtime.IsZero()
	mtime := info.ModTime()
	changed := hadBaseline && !mtime.Equal(g.restartFileMtime)
	g.restartFileMtime = mtime
	return changed
}
