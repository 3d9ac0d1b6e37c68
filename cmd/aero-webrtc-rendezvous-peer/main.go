// Command aero-webrtc-rendezvous-peer is a Go WebRTC peer for exercising a
// rendezvous server from the terminal: it can answer offers over /ws, submit
// an offer to /signal, and browse the LAN for advertised servers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
