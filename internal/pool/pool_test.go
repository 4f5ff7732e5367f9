package pool

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arna-oss/poolcore/internal/accounts"
	"github.com/arna-oss/poolcore/internal/poollog"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// fakeSpawner stands in for SpawnManager/spawn-helper in tests: each Spawn
// call starts a tiny unix-socket listener that just accepts and closes
// connections, and returns its address as the worker's main socket.
type fakeSpawner struct {
	dir      string
	nextPID  atomic.Int32
	spawned  atomic.Int32
	failNext atomic.Bool
}

func newFakeSpawner(t *testing.T) *fakeSpawner {
	return &fakeSpawner{dir: t.TempDir()}
}

func (f *fakeSpawner) Spawn(ctx context.Context, opts protocol.GetOptions, raw protocol.SpawnOptions) (*protocol.SpawnResult, error) {
	if f.failNext.Swap(false) {
		return nil, fmt.Errorf("fakeSpawner: forced failure")
	}

	pid := int(f.nextPID.Add(1))
	sockPath := filepath.Join(f.dir, fmt.Sprintf("worker-%d.sock", pid))
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	f.spawned.Add(1)
	return &protocol.SpawnResult{
		AppRoot: opts.AppRoot,
		PID:     pid,
		Sockets: []protocol.SocketInfo{
			{Role: protocol.MainSocketRole, Address: sockPath, Transport: protocol.TransportUnix},
		},
		SpawnStartedAt: time.Now(),
	}, nil
}

func (f *fakeSpawner) Reload(ctx context.Context, groupName string) error { return nil }

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeSpawner) {
	logger := poollog.New(poollog.Config{Level: "error", Format: "text"})
	spawner := newFakeSpawner(t)
	p := New(cfg, spawner, accounts.NewDatabase(), logger)
	return p, spawner
}

func TestPool_SingleWorkerSingleRequest(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	sess, err := p.Get(context.Background(), protocol.GetOptions{AppRoot: "/app"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.GetActive() != 1 || p.GetCount() != 1 {
		t.Fatalf("expected active=1 count=1, got active=%d count=%d", p.GetActive(), p.GetCount())
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.GetActive() != 0 || p.GetCount() != 1 {
		t.Fatalf("expected active=0 count=1 after close, got active=%d count=%d", p.GetActive(), p.GetCount())
	}
}

func TestPool_LRUVictimReplacement(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	sessA, err := p.Get(ctx, protocol.GetOptions{AppRoot: "/a"})
	if err != nil {
		t.Fatalf("Get /a: %v", err)
	}
	sessA.Close()

	sessB, err := p.Get(ctx, protocol.GetOptions{AppRoot: "/b"})
	if err != nil {
		t.Fatalf("Get /b: %v", err)
	}
	sessB.Close()

	if p.GetCount() != 2 {
		t.Fatalf("expected count=2 before third group, got %d", p.GetCount())
	}

	if _, err := p.Get(ctx, protocol.GetOptions{AppRoot: "/c"}); err != nil {
		t.Fatalf("Get /c: %v", err)
	}

	if p.GetCount() != 2 {
		t.Fatalf("expected count=2 after LRU eviction, got %d", p.GetCount())
	}
	p.mu.Lock()
	_, stillHasA := p.groups["/a"]
	_, hasC := p.groups["/c"]
	p.mu.Unlock()
	if stillHasA {
		t.Error("expected oldest group /a to have been evicted")
	}
	if !hasC {
		t.Error("expected group /c to have been created")
	}
}

func TestPool_DetachIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})
	sess, err := p.Get(context.Background(), protocol.GetOptions{AppRoot: "/app"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	key := sess.DetachKey
	if !p.Detach(key) {
		t.Fatal("expected first detach to succeed")
	}
	if p.Detach(key) {
		t.Error("expected second detach with same key to report false")
	}
}

func TestPool_ClearDetachesEverything(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	if _, err := p.Get(ctx, protocol.GetOptions{AppRoot: "/a"}); err != nil {
		t.Fatalf("Get /a: %v", err)
	}
	if _, err := p.Get(ctx, protocol.GetOptions{AppRoot: "/b"}); err != nil {
		t.Fatalf("Get /b: %v", err)
	}

	p.Clear()

	if p.GetCount() != 0 {
		t.Fatalf("expected count=0 after Clear, got %d", p.GetCount())
	}
}

func TestPool_SetMaxIdleTimeZeroDisablesReaper(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1, MaxIdleTime: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartIdleReaper(ctx)

	sess, err := p.Get(context.Background(), protocol.GetOptions{AppRoot: "/app"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sess.Close()

	// Give the reaper a moment; with MaxIdleTime==0 it must not reap.
	time.Sleep(50 * time.Millisecond)
	if p.GetCount() != 1 {
		t.Fatalf("expected handle to survive with reaping disabled, count=%d", p.GetCount())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPool_ToXmlOmitsSensitiveFieldsByDefault(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})
	sess, err := p.Get(context.Background(), protocol.GetOptions{AppRoot: "/app"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer sess.Close()

	basic := p.ToXml(false)
	if strings.Contains(basic, sess.ConnectPassword) {
		t.Error("expected connect password to be omitted without sensitive rights")
	}

	sensitive := p.ToXml(true)
	if !strings.Contains(sensitive, sess.ConnectPassword) {
		t.Error("expected connect password to be present with sensitive rights")
	}
}
