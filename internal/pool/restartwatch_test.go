package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchRestartDir_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()

	fired := make(chan struct{}, 1)
	stop, err := watchRestartDir(dir, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watchRestartDir: %v", err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "restart.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onEvent to fire after a write in the watched directory")
	}
}
