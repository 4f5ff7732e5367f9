package pool

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsCache_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics-cache.msgpack")
	want := map[int]ProcessMetrics{
		123: {CPU: 1.5, RSSKb: 2048, CollectedAt: time.Now().Truncate(time.Second)},
	}

	if err := writeMetricsCache(path, want); err != nil {
		t.Fatalf("writeMetricsCache: %v", err)
	}

	got, err := readMetricsCache(path)
	if err != nil {
		t.Fatalf("readMetricsCache: %v", err)
	}
	if got[123].RSSKb != want[123].RSSKb || got[123].CPU != want[123].CPU {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got[123], want[123])
	}
}
