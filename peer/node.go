package peer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jdanprad0/p2p-chunks/pkg/config"
	"jdanprad0/p2p-chunks/pkg/locations"
	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/protocol"
	"jdanprad0/p2p-chunks/pkg/store"
	"jdanprad0/p2p-chunks/pkg/transport/tcp"
	"jdanprad0/p2p-chunks/pkg/transport/udp"
)

// DefaultResponseTimeout is the response-collection window between an
// originating discovery and peer selection. The stream-side read timeout
// uses the same value.
const DefaultResponseTimeout = 10 * time.Second

// Node ties the chunk store, the location table and the two transport
// services together and drives file acquisitions.
type Node struct {
	ID    int
	IP    string
	Port  int
	Speed int

	// ResponseTimeout may be shortened before Start; it defaults to
	// DefaultResponseTimeout.
	ResponseTimeout time.Duration

	neighbors []protocol.PeerInfo
	store     *store.Store
	table     *locations.Table
	datagrams *udp.Service
	streams   *tcp.Service

	mu        sync.Mutex
	downloads map[string]*download
}

// download is the coordinator-side state of one acquisition.
type download struct {
	totalChunks int
	tracker     *DownloadTracker
	assembled   bool
}

// NewNode creates a node from its config line and resolved neighbor set.
// Chunks live under <basePath>/<id>/.
func NewNode(id int, conf config.NodeConf, neighbors []protocol.PeerInfo, basePath string) *Node {
	return &Node{
		ID:              id,
		IP:              conf.IP,
		Port:            conf.UDPPort,
		Speed:           conf.Speed,
		ResponseTimeout: DefaultResponseTimeout,
		neighbors:       neighbors,
		store:           store.New(basePath, id),
		table:           locations.NewTable(),
		downloads:       make(map[string]*download),
	}
}

// Start loads the local chunk index and brings up the stream and datagram
// services, in that order.
func (n *Node) Start() error {
	if err := n.store.LoadLocal(); err != nil {
		return err
	}

	n.streams = tcp.NewService(n.IP, n.Port+protocol.StreamPortOffset, n.Speed, n.store, n.ResponseTimeout)
	n.streams.SetOnChunkSaved(n.chunkSaved)

	n.datagrams = udp.NewService(n.IP, n.Port, n.Speed, n.store, n.table, n.ResponseTimeout)
	n.datagrams.SetNeighbors(n.neighbors)
	n.datagrams.SetOnRequest(func(fileName string, chunks []int, dest protocol.PeerInfo) {
		n.streams.EnqueueTransfer(fileName, chunks, dest)
	})

	if err := n.streams.Start(); err != nil {
		return err
	}
	if err := n.datagrams.Start(); err != nil {
		n.streams.Close()
		return err
	}

	logger.Sugar.Infof("[Node] node %d up: udp=%d stream=%d speed=%d B/s neighbors=%d",
		n.ID, n.datagrams.Port(), n.streams.Port(), n.Speed, len(n.neighbors))
	return nil
}

// Stop closes both transport endpoints.
func (n *Node) Stop() {
	if n.datagrams != nil {
		n.datagrams.Close()
	}
	if n.streams != nil {
		n.streams.Close()
	}
}

// SearchFile acquires the file described by a metadata descriptor: flood a
// discovery, collect offers for the response window, pick a source peer per
// chunk and request the transfers. Chunks nobody offered leave the
// acquisition incomplete; that is not an error.
func (n *Node) SearchFile(metadataPath string) error {
	meta, err := config.LoadFileMeta(metadataPath)
	if err != nil {
		return err
	}

	if meta.TotalChunks == 0 {
		logger.Sugar.Infof("[Node] file %s has no chunks, nothing to acquire", meta.FileName)
		return nil
	}

	n.table.Init(meta.FileName, meta.TotalChunks)

	tracker := NewDownloadTracker(meta.FileName, meta.TotalChunks)
	n.mu.Lock()
	n.downloads[meta.FileName] = &download{totalChunks: meta.TotalChunks, tracker: tracker}
	n.mu.Unlock()

	origin := protocol.PeerInfo{IP: n.IP, Port: n.datagrams.Port()}
	logger.Sugar.Infof("[Node] searching for %s (%d chunks, ttl=%d)", meta.FileName, meta.TotalChunks, meta.InitialTTL)
	window := n.datagrams.SendDiscover(meta.FileName, meta.TotalChunks, meta.InitialTTL, origin, true)

	// Block for the response window. The channel closes only after the gate
	// is shut, so no offer can slip in during selection.
	<-window

	assignments := n.table.SelectPeers(meta.FileName)
	if len(assignments) == 0 {
		logger.Sugar.Infof("[Node] no peer offered chunks of %s in this window", meta.FileName)
		return nil
	}

	for addr, chunks := range assignments {
		for _, chunkID := range chunks {
			tracker.Assign(chunkID, addr)
		}
	}

	n.datagrams.SendRequests(meta.FileName, assignments)
	return nil
}

// chunkSaved runs after the stream side persists a chunk. When the last
// chunk of an active acquisition lands, the file is assembled exactly once.
func (n *Node) chunkSaved(fileName string, chunkID int) {
	n.mu.Lock()
	d := n.downloads[fileName]
	if d == nil {
		n.mu.Unlock()
		return
	}
	d.tracker.Complete(chunkID)

	if d.assembled || !n.store.HasAll(fileName, d.totalChunks) {
		n.mu.Unlock()
		return
	}
	d.assembled = true
	n.mu.Unlock()

	ok, err := n.store.Assemble(fileName, d.totalChunks)
	if err != nil {
		logger.Sugar.Errorf("[Node] assembly of %s failed: %v", fileName, err)
		return
	}
	if ok {
		d.tracker.MarkDone()
		logger.Sugar.Infof("[Node] file %s complete: %s", fileName, d.tracker.Summary())
	}
}

// Store exposes the chunk store for status queries.
func (n *Node) Store() *store.Store {
	return n.store
}

// Status renders the node's acquisitions and local holdings for the shell.
func (n *Node) Status() string {
	n.mu.Lock()
	files := make([]string, 0, len(n.downloads))
	for name := range n.downloads {
		files = append(files, name)
	}
	trackers := make(map[string]*DownloadTracker, len(files))
	for _, name := range files {
		trackers[name] = n.downloads[name].tracker
	}
	n.mu.Unlock()

	sort.Strings(files)

	var sb strings.Builder
	fmt.Fprintf(&sb, "node %d (%s:%d, %d B/s)\n", n.ID, n.IP, n.Port, n.Speed)
	if len(files) == 0 {
		sb.WriteString("no active acquisitions\n")
	}
	for _, name := range files {
		fmt.Fprintf(&sb, "  %s\n", trackers[name].Summary())
	}
	return sb.String()
}
