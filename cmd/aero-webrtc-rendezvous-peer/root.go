package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/peer"
)

type rootOptions struct {
	debug          bool
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
	gatherTimeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "aero-webrtc-rendezvous-peer",
		Short:         "WebRTC peer for an aero rendezvous server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			pterm.DefaultLogger.ShowTime = true
			pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
			if opts.debug {
				pterm.DefaultLogger.Level = pterm.LogLevelDebug
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging (includes pion internals)")
	flags.StringVar(&opts.stunURLs, "stun-urls", "", "Comma-separated STUN URLs")
	flags.StringVar(&opts.turnURLs, "turn-urls", "", "Comma-separated TURN URLs")
	flags.StringVar(&opts.turnUsername, "turn-username", "", "TURN username")
	flags.StringVar(&opts.turnCredential, "turn-credential", "", "TURN credential")
	flags.DurationVar(&opts.gatherTimeout, "gather-timeout", peer.DefaultGatherTimeout, "Max time to wait for ICE gathering")

	cmd.AddCommand(newAnswerCmd(opts), newOfferCmd(opts), newDiscoverCmd())
	return cmd
}

func (o *rootOptions) logger() *slog.Logger {
	return slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
}

func (o *rootOptions) iceServers() ([]webrtc.ICEServer, error) {
	servers, err := config.ICEServerURLs{
		STUN:           config.SplitURLList(o.stunURLs),
		TURN:           config.SplitURLList(o.turnURLs),
		TURNUsername:   o.turnUsername,
		TURNCredential: o.turnCredential,
	}.Servers()
	if err == nil {
		return servers, nil
	}
	var listErr *config.URLListError
	if errors.As(err, &listErr) {
		return nil, fmt.Errorf("--%s-urls: %w", listErr.List, listErr.Err)
	}
	return nil, fmt.Errorf("--turn-username/--turn-credential: %w", err)
}
