package main

import (
	"os"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peerbrowser",
	Short: "Peer-to-peer web page sharing",
	Long: `Serve and fetch web pages directly between peers over UDP, with a
rendezvous server for NAT hole punching and a tracker for finding out
who serves what.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
