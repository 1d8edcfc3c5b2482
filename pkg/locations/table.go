package locations

import (
	"sort"
	"sync"

	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/protocol"
)

// Candidate is one peer reported to hold a chunk during the current
// discovery window.
type Candidate struct {
	Peer  protocol.PeerInfo
	Speed int
}

// Table maps, per file, each chunk id to the candidates reported for it.
// Entries grow only while the file's accept-offers gate is open; after the
// window closes the entry is read once by SelectPeers.
type Table struct {
	mu    sync.Mutex
	files map[string]*fileEntry
}

type fileEntry struct {
	mu     sync.Mutex
	chunks [][]Candidate
}

func NewTable() *Table {
	return &Table{files: make(map[string]*fileEntry)}
}

// Init creates (or resets) the entry for a file with one empty candidate
// list per chunk. A search must Init before its discovery goes out.
func (t *Table) Init(fileName string, totalChunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[fileName] = &fileEntry{chunks: make([][]Candidate, totalChunks)}
}

// StoreOffer records the offering peer against every in-range chunk id.
// A peer address already present for a chunk is not duplicated. Out-of-range
// ids are logged and dropped without failing the rest of the offer.
func (t *Table) StoreOffer(fileName string, chunkIDs []int, peer protocol.PeerInfo, speed int) {
	entry := t.entry(fileName)
	if entry == nil {
		logger.Sugar.Errorf("[Locations] offer for unknown file %s dropped", fileName)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, chunkID := range chunkIDs {
		if chunkID < 0 || chunkID >= len(entry.chunks) {
			logger.Sugar.Errorf("[Locations] chunk id %d out of range for file %s", chunkID, fileName)
			continue
		}

		known := false
		for _, c := range entry.chunks[chunkID] {
			if c.Peer == peer {
				known = true
				break
			}
		}
		if !known {
			entry.chunks[chunkID] = append(entry.chunks[chunkID], Candidate{Peer: peer, Speed: speed})
		}
	}
}

// SelectPeers assigns every chunk with at least one candidate to exactly one
// peer and returns peer addr -> ascending chunk ids. For each chunk, taken in
// ascending id order, candidates are ranked by link speed descending (stable
// on ties) and the least-loaded candidate wins; load ties fall back to the
// speed ranking. Chunks nobody offered are omitted.
func (t *Table) SelectPeers(fileName string) map[string][]int {
	entry := t.entry(fileName)
	if entry == nil {
		return map[string][]int{}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	assigned := make(map[string][]int)
	load := make(map[string]int)

	for chunkID, candidates := range entry.chunks {
		if len(candidates) == 0 {
			continue
		}

		ranked := make([]Candidate, len(candidates))
		copy(ranked, candidates)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Speed > ranked[j].Speed
		})

		best := ranked[0]
		for _, c := range ranked[1:] {
			if load[c.Peer.Addr()] < load[best.Peer.Addr()] {
				best = c
			}
		}

		addr := best.Peer.Addr()
		assigned[addr] = append(assigned[addr], chunkID)
		load[addr]++
	}

	return assigned
}

func (t *Table) entry(fileName string) *fileEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fileName]
}
