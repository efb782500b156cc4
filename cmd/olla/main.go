// Command olla runs the overlay packet plane in either client or node
// (relay) mode, selected by a `<config> <client|node>` positional
// argument contract.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"olla/internal/app"
	"olla/internal/metrics"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <config.toml> <client|node> [-metrics=addr]\n", os.Args[0])
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	configPath := os.Args[1]
	mode := os.Args[2]

	var metricsAddr string
	for _, arg := range os.Args[3:] {
		if after, ok := strings.CutPrefix(arg, "-metrics="); ok {
			metricsAddr = after
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		metrics.Enable()
		go func() {
			if err := metrics.StartServer(ctx, metricsAddr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("metrics listening on %s", metricsAddr)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
	}()

	var err error
	switch mode {
	case "client":
		err = app.RunClient(ctx, configPath)
	case "node":
		err = app.RunNode(ctx, configPath)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s mode stopped: %v", mode, err)
	}
}

