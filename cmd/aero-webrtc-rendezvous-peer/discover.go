package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/discovery"
)

var errNoServers = errors.New("no rendezvous servers found on the local network")

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for rendezvous servers advertised over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			spinner, _ := pterm.DefaultSpinner.Start("Browsing for " + discovery.ServiceType)
			services, err := discovery.Browse(ctx)
			if err != nil {
				stopSpinner(spinner, false, "Browse failed")
				return err
			}
			if len(services) == 0 {
				stopSpinner(spinner, false, "No servers found")
				return nil
			}
			stopSpinner(spinner, true, pterm.Sprintf("Found %d server(s)", len(services)))
			return pterm.DefaultTable.WithHasHeader().WithData(servicesTable(services)).Render()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to listen for announcements")
	return cmd
}

func servicesTable(services []discovery.Service) pterm.TableData {
	data := pterm.TableData{{"Instance", "Stream", "Offer", "Version"}}
	for _, s := range services {
		offer := s.OfferURL()
		if offer == "" {
			offer = "-"
		}
		version := s.Info.Version
		if len(version) > 12 {
			version = version[:12]
		}
		data = append(data, []string{s.Instance, s.StreamURL(), offer, strings.TrimSpace(version)})
	}
	return data
}

// discoverOne browses for timeout and returns the first server found.
func discoverOne(ctx context.Context, timeout time.Duration) (discovery.Service, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	services, err := discovery.Browse(browseCtx)
	if err != nil {
		return discovery.Service{}, err
	}
	if len(services) == 0 {
		return discovery.Service{}, errNoServers
	}
	return services[0], nil
}
