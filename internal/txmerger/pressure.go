package txmerger

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// WatchMemory flips the merger into low-resource mode while the Go heap is
// above softLimit bytes, and back once it drops below 90% of it. It returns
// when ctx is done.
func (m *Merger) WatchMemory(ctx context.Context, softLimit uint64, interval time.Duration) {
	if softLimit == 0 || interval <= 0 {
		return
	}
	slog.Info("memory pressure watcher started", "soft_limit_bytes", softLimit, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ms runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.ReadMemStats(&ms)
			m.observeHeap(ms.HeapAlloc, softLimit)
		}
	}
}

func (m *Merger) observeHeap(heap, softLimit uint64) {
	switch {
	case heap >= softLimit:
		m.SetLowResources(true)
	case heap < softLimit/10*9 && m.LowResources():
		m.SetLowResources(false)
	}
}
