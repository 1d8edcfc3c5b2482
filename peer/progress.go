package peer

import (
	"fmt"
	"sync"
	"time"
)

// ChunkState represents the acquisition state of one chunk.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkFetching
	ChunkCompleted
	ChunkFailed
)

// String returns a string representation of the chunk state
func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkFetching:
		return "fetching"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkProgress tracks the progress of a single chunk.
type ChunkProgress struct {
	ID       int
	State    ChunkState
	PeerAddr string
}

// DownloadTracker tracks one file acquisition: which peer each chunk was
// assigned to and how far along the transfer is. It is fed by the stream
// side as chunks land and read by the status shell command.
type DownloadTracker struct {
	mu          sync.RWMutex
	FileName    string
	TotalChunks int
	Chunks      map[int]*ChunkProgress
	StartTime   time.Time
	EndTime     time.Time
}

// NewDownloadTracker creates a tracker with every chunk pending.
func NewDownloadTracker(fileName string, totalChunks int) *DownloadTracker {
	chunks := make(map[int]*ChunkProgress, totalChunks)
	for id := 0; id < totalChunks; id++ {
		chunks[id] = &ChunkProgress{ID: id, State: ChunkPending}
	}
	return &DownloadTracker{
		FileName:    fileName,
		TotalChunks: totalChunks,
		Chunks:      chunks,
		StartTime:   time.Now(),
	}
}

// Assign marks a chunk as requested from a peer.
func (dt *DownloadTracker) Assign(chunkID int, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if cp, ok := dt.Chunks[chunkID]; ok {
		cp.State = ChunkFetching
		cp.PeerAddr = peerAddr
	}
}

// Complete marks a chunk as received and persisted.
func (dt *DownloadTracker) Complete(chunkID int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if cp, ok := dt.Chunks[chunkID]; ok {
		cp.State = ChunkCompleted
	}
}

// CompletedCount returns how many chunks have landed.
func (dt *DownloadTracker) CompletedCount() int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	count := 0
	for _, cp := range dt.Chunks {
		if cp.State == ChunkCompleted {
			count++
		}
	}
	return count
}

// MarkDone records the end of the acquisition.
func (dt *DownloadTracker) MarkDone() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.EndTime = time.Now()
}

// Summary renders a one-line progress summary.
func (dt *DownloadTracker) Summary() string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	completed := 0
	for _, cp := range dt.Chunks {
		if cp.State == ChunkCompleted {
			completed++
		}
	}

	state := "in progress"
	if !dt.EndTime.IsZero() {
		state = fmt.Sprintf("done in %s", dt.EndTime.Sub(dt.StartTime).Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %d/%d chunks (%s)", dt.FileName, completed, dt.TotalChunks, state)
}
