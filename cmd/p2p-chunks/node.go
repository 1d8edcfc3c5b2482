package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"jdanprad0/p2p-chunks/peer"
	"jdanprad0/p2p-chunks/pkg/config"
	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	nodesPath    string
	topologyPath string
	basePath     string
	searchMeta   string
	interactive  bool
)

var nodeCmd = &cobra.Command{
	Use:   "node <node_id>",
	Short: "Start a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("node id must be an integer, got %q", args[0])
		}
		if err := logger.SetNode(id); err != nil {
			return err
		}

		nodes, err := config.LoadNodes(nodesPath)
		if err != nil {
			return err
		}
		conf, ok := nodes[id]
		if !ok {
			return fmt.Errorf("node %d not present in %s", id, nodesPath)
		}

		topology, err := config.LoadTopology(topologyPath)
		if err != nil {
			return err
		}
		neighbors, err := config.Neighbors(topology, nodes, id)
		if err != nil {
			return err
		}

		n := peer.NewNode(id, conf, neighbors, basePath)
		if err := n.Start(); err != nil {
			return err
		}

		go monitor.LogPeriodic(30 * time.Second)

		if searchMeta != "" {
			logger.Sugar.Infof("Auto-searching from metadata: %s", searchMeta)
			if err := n.SearchFile(searchMeta); err != nil {
				logger.Sugar.Errorf("Search failed: %v", err)
			}
		}

		if interactive {
			fmt.Printf("p2p-chunks node %d\n", id)
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { nodeExecutor(in, n) },
				nodeCompleter,
				prompt.OptionPrefix(fmt.Sprintf("node%d> ", id)),
				prompt.OptionTitle("p2p-chunks node"),
			).Run()
		} else {
			select {}
		}
		return nil
	},
}

func nodeExecutor(in string, n *peer.Node) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		n.Stop()
		os.Exit(0)
	case "status":
		fmt.Print(n.Status())
	case "search":
		if len(blocks) < 2 {
			fmt.Println("Usage: search <metadata_file>")
			return
		}
		if err := n.SearchFile(blocks[1]); err != nil {
			fmt.Printf("Error searching file: %v\n", err)
		} else {
			fmt.Println("Search window closed; requests sent where peers offered chunks.")
		}
	case "chunks":
		if len(blocks) < 2 {
			fmt.Println("Usage: chunks <file_name>")
			return
		}
		fmt.Printf("local chunks of %s: %v\n", blocks[1], n.Store().AvailableChunks(blocks[1]))
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status               - Show node and acquisition status")
		fmt.Println("  search <metadata>    - Acquire the file described by a metadata descriptor")
		fmt.Println("  chunks <file_name>   - List locally held chunk ids of a file")
		fmt.Println("  exit                 - Stop the node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func nodeCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "search", Description: "Acquire a file from the network"},
		{Text: "chunks", Description: "List local chunks of a file"},
		{Text: "exit", Description: "Stop the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodesPath, "nodes", "n", "config.txt", "Path to the nodes file (<id>:<ip>,<udp_port>,<link_speed>)")
	nodeCmd.Flags().StringVarP(&topologyPath, "topology", "t", "topology.txt", "Path to the topology file (<id>:<id>,<id>,...)")
	nodeCmd.Flags().StringVarP(&basePath, "base", "b", "./data", "Base directory for per-node chunk storage")
	nodeCmd.Flags().StringVarP(&searchMeta, "search", "s", "", "Metadata descriptor to search for immediately")
	nodeCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start the interactive shell")
}
