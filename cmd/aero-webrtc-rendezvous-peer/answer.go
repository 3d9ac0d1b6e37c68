package main

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/peer"
)

func newAnswerCmd(root *rootOptions) *cobra.Command {
	var (
		rawURL        string
		browseTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Attach to /ws and answer every offer with an echoing data channel",
		Long: `answer attaches to the rendezvous stream and answers each offer it is sent.
Every data channel an offerer opens echoes text messages back.

Without --url the LAN is browsed over mDNS and the first server found is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := root.logger()

			target := rawURL
			if target == "" {
				svc, err := discoverOne(ctx, browseTimeout)
				if err != nil {
					return err
				}
				pterm.Info.Printfln("Using %s (%s)", svc.Instance, svc.StreamURL())
				target = svc.StreamURL()
			}
			wsURL, err := streamURL(target)
			if err != nil {
				return err
			}
			ice, err := root.iceServers()
			if err != nil {
				return err
			}

			a := &peer.Answerer{
				URL:           wsURL,
				API:           peer.NewAPI(peer.APIConfig{Logger: logger}),
				ICEServers:    ice,
				GatherTimeout: root.gatherTimeout,
				Logger:        logger,
				OnAnswered: func(offerID string, _ *webrtc.PeerConnection) {
					pterm.Success.Printfln("Answered offer %s", offerID)
				},
			}

			pterm.Info.Printfln("Answering offers from %s (Ctrl+C to stop)", wsURL)
			if err := a.Run(ctx); err != nil {
				return err
			}
			pterm.Info.Println("Detached from rendezvous stream")
			return nil
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "Rendezvous server or /ws URL (e.g. ws://127.0.0.1:8080/ws)")
	cmd.Flags().DurationVar(&browseTimeout, "browse-timeout", 3*time.Second, "mDNS browse time when --url is not set")
	return cmd
}
