package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/monitor"
	"github.com/EDiasAlberto/peerbrowser/rendezvous"
)

// Headless rendezvous entry for deployments that don't want the shell.
func main() {
	addr := flag.String("addr", "0.0.0.0:9000", "address to listen on")
	advertise := flag.Bool("mdns", false, "advertise the endpoint over mDNS")
	flag.Parse()

	server := rendezvous.NewServer(rendezvous.Config{
		ListenAddr: *addr,
		Advertise:  *advertise,
	})
	if err := server.Start(); err != nil {
		logger.Sugar.Error("Error starting rendezvous server: ", err)
		os.Exit(1)
	}
	go monitor.LogPeriodic(time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	server.Stop()
}
