package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/peer"
)

func newOfferCmd(root *rootOptions) *cobra.Command {
	var (
		rawURL        string
		message       string
		label         string
		timeout       time.Duration
		browseTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Submit an offer to /signal, open a data channel and send a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			logger := root.logger()

			target := rawURL
			if target == "" {
				svc, err := discoverOne(ctx, browseTimeout)
				if err != nil {
					return err
				}
				if svc.OfferURL() == "" {
					return fmt.Errorf("%s does not accept HTTP offers", svc.Instance)
				}
				target = svc.OfferURL()
			}
			sigURL, err := signalURL(target)
			if err != nil {
				return err
			}
			ice, err := root.iceServers()
			if err != nil {
				return err
			}
			if label == "" {
				label = petname.Generate(2, "-")
			}

			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for a peer to answer via %s", sigURL))
			sess, err := peer.Offer(ctx, peer.OfferConfig{
				SignalURL:     sigURL,
				API:           peer.NewAPI(peer.APIConfig{Logger: logger}),
				ICEServers:    ice,
				Label:         label,
				GatherTimeout: root.gatherTimeout,
				Logger:        logger,
			})
			if err != nil {
				stopSpinner(spinner, false, "Offer failed")
				if errors.Is(err, peer.ErrAnswerTimeout) {
					return fmt.Errorf("%w: is an answerer attached to /ws?", err)
				}
				return err
			}
			defer sess.Close()

			if err := sess.WaitOpen(ctx); err != nil {
				stopSpinner(spinner, false, "Data channel did not open")
				return err
			}
			stopSpinner(spinner, true, fmt.Sprintf("Data channel %q open", label))

			reply, err := roundTrip(ctx, sess.DataChannel, message)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Reply: %s", reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "Rendezvous server or /signal URL (e.g. http://127.0.0.1:8080/signal)")
	cmd.Flags().StringVar(&message, "message", "hello", "Text to send once the data channel opens")
	cmd.Flags().StringVar(&label, "label", "", "Data channel label (default: a random pet name)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall time limit")
	cmd.Flags().DurationVar(&browseTimeout, "browse-timeout", 3*time.Second, "mDNS browse time when --url is not set")
	return cmd
}

// roundTrip sends msg and returns the first text message received back.
func roundTrip(ctx context.Context, dc *webrtc.DataChannel, msg string) (string, error) {
	replies := make(chan string, 1)
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if !m.IsString {
			return
		}
		select {
		case replies <- string(m.Data):
		default:
		}
	})
	if err := dc.SendText(msg); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}

func stopSpinner(s *pterm.SpinnerPrinter, ok bool, msg string) {
	if s == nil {
		return
	}
	if ok {
		s.Success(msg)
	} else {
		s.Fail(msg)
	}
}
