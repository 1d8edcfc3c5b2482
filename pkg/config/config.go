package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/protocol"
)

// NodeConf holds one node's line from the nodes file:
// <id>:<ip>,<udp_port>,<link_speed>
type NodeConf struct {
	IP      string
	UDPPort int
	// Speed is the node's link capacity in bytes per second. It doubles as
	// the pacing slice size on the stream transport.
	Speed int
}

// FileMeta is the per-file metadata descriptor: three lines holding the file
// name, the total chunk count and the initial discovery TTL.
type FileMeta struct {
	FileName    string
	TotalChunks int
	InitialTTL  int
}

// LoadNodes parses the nodes file. Malformed lines are logged and skipped.
func LoadNodes(path string) (map[int]NodeConf, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open nodes file %s: %w", path, err)
	}
	defer file.Close()

	nodes := make(map[int]NodeConf)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		id, rest, ok := splitID(line)
		if !ok {
			logger.Sugar.Errorf("[Config] skipping malformed nodes line: %q", line)
			continue
		}
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			logger.Sugar.Errorf("[Config] skipping malformed nodes line: %q", line)
			continue
		}
		port, portErr := strconv.Atoi(strings.TrimSpace(parts[1]))
		speed, speedErr := strconv.Atoi(strings.TrimSpace(parts[2]))
		if portErr != nil || speedErr != nil {
			logger.Sugar.Errorf("[Config] skipping malformed nodes line: %q", line)
			continue
		}
		nodes[id] = NodeConf{
			IP:      strings.TrimSpace(parts[0]),
			UDPPort: port,
			Speed:   speed,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nodes file %s: %w", path, err)
	}
	return nodes, nil
}

// LoadTopology parses the topology file: <id>:<id>,<id>,... per line.
// Malformed lines are logged and skipped.
func LoadTopology(path string) (map[int][]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology file %s: %w", path, err)
	}
	defer file.Close()

	topology := make(map[int][]int)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		id, rest, ok := splitID(line)
		if !ok {
			logger.Sugar.Errorf("[Config] skipping malformed topology line: %q", line)
			continue
		}
		var neighbors []int
		valid := true
		for _, tok := range strings.Split(rest, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			neighbor, err := strconv.Atoi(tok)
			if err != nil {
				valid = false
				break
			}
			neighbors = append(neighbors, neighbor)
		}
		if !valid {
			logger.Sugar.Errorf("[Config] skipping malformed topology line: %q", line)
			continue
		}
		topology[id] = neighbors
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	return topology, nil
}

// Neighbors resolves a node's neighbor ids into datagram endpoints, in
// topology-file order. Neighbor ids without a nodes-file entry are logged
// and skipped.
func Neighbors(topology map[int][]int, nodes map[int]NodeConf, id int) ([]protocol.PeerInfo, error) {
	ids, ok := topology[id]
	if !ok {
		return nil, fmt.Errorf("node %d not present in topology", id)
	}

	neighbors := make([]protocol.PeerInfo, 0, len(ids))
	for _, neighborID := range ids {
		conf, ok := nodes[neighborID]
		if !ok {
			logger.Sugar.Errorf("[Config] neighbor %d of node %d has no nodes-file entry, skipping", neighborID, id)
			continue
		}
		neighbors = append(neighbors, protocol.PeerInfo{IP: conf.IP, Port: conf.UDPPort})
	}
	return neighbors, nil
}

// LoadFileMeta reads a metadata descriptor: file name, total chunks and
// initial TTL, one per line.
func LoadFileMeta(path string) (FileMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileMeta{}, fmt.Errorf("failed to open metadata file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lines := make([]string, 0, 3)
	for scanner.Scan() && len(lines) < 3 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return FileMeta{}, fmt.Errorf("failed to read metadata file %s: %w", path, err)
	}
	if len(lines) < 3 {
		return FileMeta{}, fmt.Errorf("metadata file %s has %d lines, want 3", path, len(lines))
	}

	total, err := strconv.Atoi(lines[1])
	if err != nil {
		return FileMeta{}, fmt.Errorf("invalid total_chunks %q in %s: %w", lines[1], path, err)
	}
	if total < 0 {
		return FileMeta{}, fmt.Errorf("negative total_chunks %d in %s", total, path)
	}
	ttl, err := strconv.Atoi(lines[2])
	if err != nil {
		return FileMeta{}, fmt.Errorf("invalid initial_ttl %q in %s: %w", lines[2], path, err)
	}
	if ttl < 0 {
		return FileMeta{}, fmt.Errorf("negative initial_ttl %d in %s", ttl, path)
	}

	return FileMeta{FileName: lines[0], TotalChunks: total, InitialTTL: ttl}, nil
}

func splitID(line string) (int, string, bool) {
	idStr, rest, found := strings.Cut(line, ":")
	if !found {
		return 0, "", false
	}
	id, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil {
		return 0, "", false
	}
	return id, rest, true
}
