package peer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"jdanprad0/p2p-chunks/pkg/config"
	"jdanprad0/p2p-chunks/pkg/protocol"
)

// Nodes in these tests get distinct loopback addresses so the origin-ip loop
// suppression behaves as it does across real hosts, and fixed ports so the
// udp_port+1000 stream derivation holds.
func startNode(t *testing.T, id int, ip string, port, speed int, neighbors []protocol.PeerInfo, base string, window time.Duration) *Node {
	t.Helper()
	n := NewNode(id, config.NodeConf{IP: ip, UDPPort: port, Speed: speed}, neighbors, base)
	n.ResponseTimeout = window
	if err := n.Start(); err != nil {
		t.Fatalf("node %d failed to start: %v", id, err)
	}
	t.Cleanup(n.Stop)
	return n
}

func seedChunks(t *testing.T, base string, id int, fileName string, chunks map[int][]byte) {
	t.Helper()
	dir := filepath.Join(base, strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for chunkID, data := range chunks {
		name := fmt.Sprintf("%s.ch%d", fileName, chunkID)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeMeta(t *testing.T, fileName string, totalChunks, ttl int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), fileName+".p2p")
	content := fmt.Sprintf("%s\n%d\n%d\n", fileName, totalChunks, ttl)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Three nodes in a line (A-B-C); only C holds the file. A's discovery
// reaches C through B's re-flood, C offers directly to A, and the transfer
// reassembles the file byte for byte.
func TestAcquireFileAcrossLineTopology(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node acquisition in short mode")
	}

	base := t.TempDir()
	const fileName = "payload.bin"
	chunks := map[int][]byte{
		0: bytes.Repeat([]byte{0x11}, 64),
		1: bytes.Repeat([]byte{0x22}, 48),
	}
	seedChunks(t, base, 3, fileName, chunks)

	peerA := protocol.PeerInfo{IP: "127.0.0.2", Port: 47101}
	peerB := protocol.PeerInfo{IP: "127.0.0.3", Port: 47102}
	peerC := protocol.PeerInfo{IP: "127.0.0.4", Port: 47103}

	window := 3 * time.Second
	a := startNode(t, 1, peerA.IP, peerA.Port, 300, []protocol.PeerInfo{peerB}, base, window)
	startNode(t, 2, peerB.IP, peerB.Port, 300, []protocol.PeerInfo{peerA, peerC}, base, window)
	startNode(t, 3, peerC.IP, peerC.Port, 300, []protocol.PeerInfo{peerB}, base, window)

	meta := writeMeta(t, fileName, 2, 2)
	if err := a.SearchFile(meta); err != nil {
		t.Fatalf("SearchFile failed: %v", err)
	}

	want := append(append([]byte{}, chunks[0]...), chunks[1]...)
	assembledPath := a.Store().AssembledPath(fileName)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(assembledPath); err == nil {
			if !bytes.Equal(data, want) {
				t.Fatalf("assembled file differs: %d bytes, want %d", len(data), len(want))
			}
			if !a.Store().HasAll(fileName, 2) {
				t.Error("HasAll false after assembly")
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("file never assembled; local chunks: %v", a.Store().AvailableChunks(fileName))
}

// B only holds chunks 0 and 2 of four. A fetches what was offered and the
// acquisition stays incomplete: no assembly happens.
func TestPartialAcquisitionDoesNotAssemble(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node acquisition in short mode")
	}

	base := t.TempDir()
	const fileName = "sparse.bin"
	seedChunks(t, base, 2, fileName, map[int][]byte{
		0: []byte("zero"),
		2: []byte("two"),
	})

	peerA := protocol.PeerInfo{IP: "127.0.0.2", Port: 47111}
	peerB := protocol.PeerInfo{IP: "127.0.0.3", Port: 47112}

	window := 2 * time.Second
	a := startNode(t, 1, peerA.IP, peerA.Port, 300, []protocol.PeerInfo{peerB}, base, window)
	startNode(t, 2, peerB.IP, peerB.Port, 300, []protocol.PeerInfo{peerA}, base, window)

	meta := writeMeta(t, fileName, 4, 1)
	if err := a.SearchFile(meta); err != nil {
		t.Fatalf("SearchFile failed: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Store().AvailableChunks(fileName)) == 2 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	if diff := cmp.Diff([]int{0, 2}, a.Store().AvailableChunks(fileName)); diff != "" {
		t.Errorf("local chunks mismatch (-want +got):\n%s", diff)
	}
	if a.Store().HasAll(fileName, 4) {
		t.Error("HasAll true with two of four chunks")
	}

	// Give a mistaken assembly a moment to happen, then assert it did not.
	time.Sleep(time.Second)
	if _, err := os.Stat(a.Store().AssembledPath(fileName)); !os.IsNotExist(err) {
		t.Error("assembled file created despite missing chunks")
	}
}

// A zero-chunk descriptor completes immediately: no discovery, no table
// entry, no assembled file.
func TestSearchFileWithZeroChunks(t *testing.T) {
	base := t.TempDir()
	n := NewNode(1, config.NodeConf{IP: "127.0.0.2", UDPPort: 47121, Speed: 100}, nil, base)

	meta := writeMeta(t, "empty.bin", 0, 3)
	if err := n.SearchFile(meta); err != nil {
		t.Fatalf("SearchFile failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "1", "empty.bin")); !os.IsNotExist(err) {
		t.Error("zero-chunk search produced an assembled file")
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tracker := NewDownloadTracker("f", 3)

	tracker.Assign(0, "10.0.0.2:6002")
	tracker.Assign(1, "10.0.0.3:6003")
	tracker.Complete(0)

	if got := tracker.CompletedCount(); got != 1 {
		t.Errorf("CompletedCount = %d, want 1", got)
	}
	if tracker.Chunks[1].State != ChunkFetching {
		t.Errorf("chunk 1 state = %s, want fetching", tracker.Chunks[1].State)
	}
	if tracker.Chunks[2].State != ChunkPending {
		t.Errorf("chunk 2 state = %s, want pending", tracker.Chunks[2].State)
	}

	tracker.Complete(1)
	tracker.Complete(2)
	tracker.MarkDone()
	if got := tracker.CompletedCount(); got != 3 {
		t.Errorf("CompletedCount = %d, want 3", got)
	}
}
