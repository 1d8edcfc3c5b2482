package main

import (
	"os"

	"jdanprad0/p2p-chunks/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "p2p-chunks",
	Short: "P2P chunk-distribution node",
	Long:  `A peer-to-peer file-distribution node: flooded chunk discovery over UDP, paced chunk transfer over TCP.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
