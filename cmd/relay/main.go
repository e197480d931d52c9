// Relay — the signaling relay daemon.
//
// It assigns each connecting peer an identity and forwards SDP/ICE
// envelopes between identities. No chat traffic passes through it: once a
// DataChannel opens, peers talk directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/peerchat/peerchat/internal/config"
	"github.com/peerchat/peerchat/internal/relay"
	"github.com/peerchat/peerchat/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadRelay()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	listenFlag := flag.String("listen", cfg.ListenAddr, "Address to listen on, e.g. :9595")
	debugFlag := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if *debugFlag {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerchat relay — v%s", version))
	pterm.Println()

	srv := relay.NewServer()
	if err := srv.Start(*listenFlag); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogInfo("relay listening on %s (WebSocket path /ws)", srv.Addr())

	<-ctx.Done()
	util.LogInfo("shutting down")
}
