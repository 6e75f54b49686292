package main

import (
	"os"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/tracker"

	"github.com/spf13/cobra"
)

var (
	trackerListenAddr string
	trackerRedisAddr  string
	trackerInMemory   bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the tracker directory service",
	Run: func(cmd *cobra.Command, args []string) {
		var index tracker.Index
		if trackerInMemory {
			logger.Sugar.Info("[Tracker] using in-memory index")
			index = tracker.NewMemoryIndex()
		} else {
			ri, err := tracker.NewRedisIndex(trackerRedisAddr)
			if err != nil {
				logger.Sugar.Error("Error connecting to redis: ", err)
				os.Exit(1)
			}
			defer ri.Close()
			index = ri
		}

		logger.Sugar.Infof("Starting tracker on %s", trackerListenAddr)
		if err := tracker.NewServer(index).Serve(trackerListenAddr); err != nil {
			logger.Sugar.Error("Error running tracker: ", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVarP(&trackerListenAddr, "addr", "a", "0.0.0.0:8000", "Tracker addr to listen on")
	trackerCmd.Flags().StringVar(&trackerRedisAddr, "redis", "127.0.0.1:6379", "Redis address backing the index")
	trackerCmd.Flags().BoolVar(&trackerInMemory, "memory", false, "Use an in-memory index instead of redis")
}
