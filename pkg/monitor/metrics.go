package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"jdanprad0/p2p-chunks/pkg/logger"
)

// Metrics holds transfer counters for the node.
type Metrics struct {
	// Total chunk payload bytes moved, both directions
	TransferBytes int64
	// Number of chunks moved
	ChunkCount int64
	// Process start time
	ServerStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

// LogPeriodic logs runtime metrics at the specified interval.
func LogPeriodic(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.ServerStart).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Throughput=%.2fKB/s | Chunks=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			throughput,
			atomic.LoadInt64(&Global.ChunkCount),
		)
	}
}

// RecordChunk records one chunk moved over the stream transport.
func RecordChunk(bytes int64) {
	atomic.AddInt64(&Global.TransferBytes, bytes)
	atomic.AddInt64(&Global.ChunkCount, 1)
}
