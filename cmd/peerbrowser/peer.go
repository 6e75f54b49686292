package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EDiasAlberto/peerbrowser/peer"
	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	peerListenAddr  string
	peerServerAddr  string
	peerMediaDir    string
	peerTrackerURL  string
	fetchOnStart    string
	publishOnStart  string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Sugar.Infof("Starting peer node on %s", peerListenAddr)

		node := peer.NewPeerServer(peer.Config{
			ListenAddr: peerListenAddr,
			ServerAddr: peerServerAddr,
			MediaDir:   peerMediaDir,
			TrackerURL: peerTrackerURL,
		})
		if err := node.Start(); err != nil {
			logger.Sugar.Error("Error starting peer node: ", err)
			os.Exit(1)
		}
		go monitor.LogPeriodic(time.Minute)

		if publishOnStart != "" || fetchOnStart != "" {
			if !waitReady(node, 5*time.Second) {
				logger.Sugar.Warn("No your_addr from the rendezvous server yet, proceeding anyway")
			}
		}

		if publishOnStart != "" {
			runPublish(node, publishOnStart)
		}

		if fetchOnStart != "" {
			runFetch(node, fetchOnStart)
		}

		if peerInteractive {
			fmt.Println("Peerbrowser Peer Node Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { peerExecutor(in, node) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("Peerbrowser Peer Node"),
			).Run()
		} else {
			select {}
		}
	},
}

// waitReady polls until the node has learned its public address.
func waitReady(node *peer.PeerServer, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, ok := node.ObservedAddr(); ok {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func runFetch(node *peer.PeerServer, filePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	saved, err := node.Fetch(ctx, filePath)
	if err != nil {
		fmt.Printf("Error fetching file: %v\n", err)
		return
	}
	fmt.Printf("Fetched %s -> %s\n", filePath, saved)
}

func runPublish(node *peer.PeerServer, site string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	published, skipped, err := node.Publish(ctx, site)
	if err != nil {
		fmt.Printf("Error publishing site: %v\n", err)
		return
	}
	fmt.Printf("Published %d files from %s\n", len(published), site)
	for _, rel := range skipped {
		fmt.Printf("  skipped %s (already has a source)\n", rel)
	}
}

func peerExecutor(in string, node *peer.PeerServer) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		node.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(node.GetStatus())
	case "connect":
		if len(blocks) < 2 {
			fmt.Println("Usage: connect <peer_ip>")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		addr, err := node.Connect(ctx, blocks[1])
		cancel()
		if err != nil {
			fmt.Printf("Error connecting: %v\n", err)
		} else {
			fmt.Printf("Connected, punching toward %s\n", addr)
		}
	case "fetch":
		if len(blocks) < 2 {
			fmt.Println("Usage: fetch <site/path>")
			return
		}
		runFetch(node, blocks[1])
	case "publish":
		if len(blocks) < 2 {
			fmt.Println("Usage: publish <site>")
			return
		}
		runPublish(node, blocks[1])
	case "peers":
		peers := node.PunchingPeers()
		if len(peers) == 0 {
			fmt.Println("No connected peers.")
		} else {
			fmt.Println("Connected Peers:")
			for _, p := range peers {
				fmt.Println("- " + p)
			}
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status               - Show node status")
		fmt.Println("  connect <peer_ip>    - Punch a path toward a peer")
		fmt.Println("  fetch <site/path>    - Fetch a file from the swarm")
		fmt.Println("  publish <site>       - Publish a local site's files")
		fmt.Println("  peers                - List connected peers")
		fmt.Println("  exit                 - Stop the node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "connect", Description: "Punch a path toward a peer IP"},
		{Text: "fetch", Description: "Fetch a file from the swarm"},
		{Text: "publish", Description: "Publish a local site"},
		{Text: "peers", Description: "List connected peers"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerListenAddr, "addr", "a", "0.0.0.0:9001", "Address for this peer to listen on")
	peerCmd.Flags().StringVarP(&peerServerAddr, "server", "s", "", "Rendezvous server address (empty = discover over mDNS)")
	peerCmd.Flags().StringVarP(&peerMediaDir, "media", "m", "./media", "Media directory served to other peers")
	peerCmd.Flags().StringVarP(&peerTrackerURL, "tracker", "t", "http://trackers.ediasalberto.com", "Tracker base URL")
	peerCmd.Flags().StringVarP(&fetchOnStart, "fetch", "f", "", "Fetch a file immediately after startup")
	peerCmd.Flags().StringVarP(&publishOnStart, "publish", "p", "", "Publish a site immediately after startup")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
