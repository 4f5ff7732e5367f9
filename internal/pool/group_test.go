package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGroup_SelectProcess_PicksSmallestSessionsEarliestWins(t *testing.T) {
	g := NewGroup("/app", "app", "production")
	a := &WorkerHandle{ID: 1}
	b := &WorkerHandle{ID: 2}
	c := &WorkerHandle{ID: 3}
	a.Sessions.Store(2)
	b.Sessions.Store(0)
	c.Sessions.Store(0)
	g.Processes = []*WorkerHandle{a, b, c}

	h := g.selectProcess()
	if h != b {
		t.Fatalf("expected b (earliest zero-session handle), got id=%d", h.ID)
	}
	if g.Processes[len(g.Processes)-1] != b {
		t.Fatalf("expected selected handle moved to back, got order %v", ids(g.Processes))
	}

	h2 := g.selectProcess()
	if h2 != c {
		t.Fatalf("expected c next, got id=%d", h2.ID)
	}
}

func TestGroup_AllBusy(t *testing.T) {
	g := NewGroup("/app", "app", "production")
	if g.allBusy() {
		t.Error("expected an empty group to not be reported as all-busy")
	}

	a := &WorkerHandle{ID: 1}
	b := &WorkerHandle{ID: 2}
	a.Sessions.Store(1)
	b.Sessions.Store(1)
	g.Processes = []*WorkerHandle{a, b}
	if !g.allBusy() {
		t.Error("expected all-busy once every handle has a session")
	}

	b.Sessions.Store(0)
	if g.allBusy() {
		t.Error("expected not all-busy once one handle is idle")
	}
}

func ids(hs []*WorkerHandle) []HandleID {
	out := make([]HandleID, len(hs))
	for i, h := range hs {
		out[i] = h.ID
	}
	return out
}

func TestGroup_NeedsRestart_AlwaysRestartFile(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "always_restart.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	g := NewGroup(dir, "app", "production")
	g.statThrottle = 0

	if !g.needsRestart(time.Now()) {
		t.Error("expected always_restart.txt to force a restart")
	}
}

func TestGroup_NeedsRestart_RestartFileRequiresMtimeChange(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		t.Fatal(err)
	}
	restartFile := filepath.Join(tmp, "restart.txt")
	if err := os.WriteFile(restartFile, nil, 0644); err != nil {
		t.Fatal(err)
	}

	g := NewGroup(dir, "app", "production")
	g.statThrottle = 0

	if g.needsRestart(time.Now()) {
		t.Error("first observation should only record a baseline, not trigger a restart")
	}

	future := time.Now().Add(time.Second)
	if err := os.Chtimes(restartFile, future, future); err != nil {
		t.Fatal(err)
	}

	if !g.needsRestart(time.Now().Add(2 * time.Second)) {
		t.Error("expected restart after restart.txt mtime changed")
	}
}

func TestGroup_NeedsRestart_Throttled(t *testing.T) {
	dir := t.TempDir()
	g := NewGroup(dir, "app", "production")
	g.statThrottle = time.Hour

	now := time.Now()
	g.lastRestartCheck = now
	if g.needsRestart(now.Add(time.Second)) {
		t.Error("expected throttle to suppress a check this soon after the last one")
	}
}
