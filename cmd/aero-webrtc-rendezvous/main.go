package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-rendezvous",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"offer_timeout", cfg.OfferTimeout,
		"max_pending_offers", cfg.MaxPendingOffers,
		"strict_sdp", cfg.StrictSDP,
		"offer_endpoint_enabled", !cfg.DisableOfferEndpoint,
		"static_dir", cfg.StaticDir,
		"mdns", cfg.MDNS,
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	build := resolveBuildInfo(buildCommit, buildTime)
	srv, sig := newServers(cfg, logger, build, metrics.New())

	var adv *discovery.Advertisement
	if cfg.MDNS {
		adv, err = advertise(cfg, ln.Addr(), build)
		if err != nil {
			// The server is still reachable by address; discovery is a convenience.
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			logger.Info("mdns advertisement started",
				"instance", adv.Instance,
				"service", discovery.ServiceType,
			)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		adv.Shutdown()
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	adv.Shutdown()

	// Release waiting offers and attached peers first: Shutdown waits for
	// in-flight handlers, and POST /signal may otherwise hold it for the full
	// offer timeout.
	sig.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newServers wires the rendezvous routes and /metrics onto the HTTP server.
func newServers(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo, m *metrics.Metrics) (*httpserver.Server, *signaling.Server) {
	srv := httpserver.New(cfg, logger, build)
	sig := signaling.NewServer(signaling.Config{
		Logger:               logger,
		Metrics:              m,
		Origins:              srv.Origins(),
		OfferTimeout:         cfg.OfferTimeout,
		MaxPendingOffers:     cfg.MaxPendingOffers,
		MaxOfferBodyBytes:    cfg.MaxOfferBodyBytes,
		StrictSDP:            cfg.StrictSDP,
		DisableOfferEndpoint: cfg.DisableOfferEndpoint,

		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PeerSendQueueBytes:            cfg.PeerSendQueueBytes,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, sig.Gauges()...))
	return srv, sig
}

func advertise(cfg config.Config, addr net.Addr, build httpserver.BuildInfo) (*discovery.Advertisement, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %T", addr)
	}
	return discovery.Advertise(cfg.MDNSInstance, tcp.Port, advertisedInfo(cfg, build))
}

func advertisedInfo(cfg config.Config, build httpserver.BuildInfo) discovery.Info {
	info := discovery.Info{
		StreamPath: "/ws",
		Version:    build.Commit,
		BaseURL:    cfg.PublicBaseURL,
	}
	if !cfg.DisableOfferEndpoint {
		info.OfferPath = "/signal"
	}
	return info
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
