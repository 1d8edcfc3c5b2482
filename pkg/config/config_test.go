package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"jdanprad0/p2p-chunks/pkg/protocol"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadNodes(t *testing.T) {
	path := writeFile(t, "nodes.txt", `1:127.0.0.1,6001,100
2:127.0.0.2,6002,250

3:broken
4:127.0.0.4,not-a-port,10
5:127.0.0.5,6005,500
`)

	nodes, err := LoadNodes(path)
	if err != nil {
		t.Fatalf("LoadNodes failed: %v", err)
	}

	want := map[int]NodeConf{
		1: {IP: "127.0.0.1", UDPPort: 6001, Speed: 100},
		2: {IP: "127.0.0.2", UDPPort: 6002, Speed: 250},
		5: {IP: "127.0.0.5", UDPPort: 6005, Speed: 500},
	}
	if diff := cmp.Diff(want, nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTopology(t *testing.T) {
	path := writeFile(t, "topology.txt", `1:2,3
2:1
3:1,x
4:2,3
`)

	topology, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology failed: %v", err)
	}

	want := map[int][]int{
		1: {2, 3},
		2: {1},
		4: {2, 3},
	}
	if diff := cmp.Diff(want, topology); diff != "" {
		t.Errorf("topology mismatch (-want +got):\n%s", diff)
	}
}

func TestNeighbors(t *testing.T) {
	nodes := map[int]NodeConf{
		1: {IP: "10.0.0.1", UDPPort: 6001, Speed: 100},
		2: {IP: "10.0.0.2", UDPPort: 6002, Speed: 200},
		3: {IP: "10.0.0.3", UDPPort: 6003, Speed: 300},
	}
	topology := map[int][]int{1: {2, 3, 9}}

	neighbors, err := Neighbors(topology, nodes, 1)
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}

	// Neighbor 9 has no nodes-file entry and is skipped; order follows the
	// topology file.
	want := []protocol.PeerInfo{
		{IP: "10.0.0.2", Port: 6002},
		{IP: "10.0.0.3", Port: 6003},
	}
	if diff := cmp.Diff(want, neighbors); diff != "" {
		t.Errorf("neighbors mismatch (-want +got):\n%s", diff)
	}

	if _, err := Neighbors(topology, nodes, 7); err == nil {
		t.Error("expected error for node missing from topology")
	}
}

func TestLoadFileMeta(t *testing.T) {
	path := writeFile(t, "video.p2p", "video.mp4\n8\n3\n")

	meta, err := LoadFileMeta(path)
	if err != nil {
		t.Fatalf("LoadFileMeta failed: %v", err)
	}
	want := FileMeta{FileName: "video.mp4", TotalChunks: 8, InitialTTL: 3}
	if meta != want {
		t.Errorf("meta = %+v, want %+v", meta, want)
	}
}

func TestLoadFileMetaRejectsBadDescriptors(t *testing.T) {
	cases := map[string]string{
		"short.p2p":    "video.mp4\n8\n",
		"badtotal.p2p": "video.mp4\neight\n3\n",
		"negttl.p2p":   "video.mp4\n8\n-1\n",
	}
	for name, content := range cases {
		path := writeFile(t, name, content)
		if _, err := LoadFileMeta(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
