package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/monitor"
	"github.com/EDiasAlberto/peerbrowser/rendezvous"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	rendezvousAddr    string
	advertiseServer   bool
	serverInteractive bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the rendezvous server",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Sugar.Infof("Starting rendezvous server on %s", rendezvousAddr)

		server := rendezvous.NewServer(rendezvous.Config{
			ListenAddr: rendezvousAddr,
			Advertise:  advertiseServer,
		})
		if err := server.Start(); err != nil {
			logger.Sugar.Error("Error starting rendezvous server: ", err)
			os.Exit(1)
		}
		go monitor.LogPeriodic(time.Minute)

		if serverInteractive {
			fmt.Println("Peerbrowser Rendezvous Server Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			p := prompt.New(
				func(in string) { serverExecutor(in, server) },
				serverCompleter,
				prompt.OptionPrefix("rendezvous> "),
				prompt.OptionTitle("Peerbrowser Rendezvous Server"),
			)
			p.Run()
		} else {
			select {}
		}
	},
}

func serverExecutor(in string, server *rendezvous.Server) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping server...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "list":
		if len(blocks) > 1 && blocks[1] == "clients" {
			clients := server.GetClientsList()
			if len(clients) == 0 {
				fmt.Println("No clients registered.")
			} else {
				fmt.Println("Registered Clients:")
				for _, c := range clients {
					fmt.Println("- " + c)
				}
			}
		} else {
			fmt.Println("Usage: list clients")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status         - Show server status")
		fmt.Println("  list clients   - List registered client addresses")
		fmt.Println("  exit           - Stop server and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show server status and stats"},
		{Text: "list clients", Description: "List all registered client addresses"},
		{Text: "exit", Description: "Exit the server"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&rendezvousAddr, "addr", "a", "0.0.0.0:9000", "Rendezvous server addr to listen on")
	serverCmd.Flags().BoolVar(&advertiseServer, "mdns", false, "Advertise the endpoint over mDNS")
	serverCmd.Flags().BoolVarP(&serverInteractive, "interactive", "i", false, "Start in interactive mode")
}
