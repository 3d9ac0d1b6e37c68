package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

// Offers hold an HTTP request open for the whole wait; anything past this
// mostly accumulates idle connections.
const largeOfferTimeout = 2 * time.Minute

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any web page may submit offers and attach as a peer)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeDev && !config.IsLoopbackListenAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: listening on a non-loopback address while --mode=dev",
			"warning_code", "listen_addr_public_in_dev",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPendingOffers <= 0 {
		logger.Warn("startup security warning: MAX_PENDING_OFFERS is 0 (unlimited) while --mode=prod",
			"warning_code", "max_pending_offers_unlimited_in_prod",
			"max_pending_offers", cfg.MaxPendingOffers,
			"mode", cfg.Mode,
		)
	}

	if cfg.OfferTimeout > largeOfferTimeout {
		logger.Warn("startup warning: OFFER_TIMEOUT is very large (each waiting offer holds an open request)",
			"warning_code", "offer_timeout_large",
			"offer_timeout", cfg.OfferTimeout,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz and /webrtc/ice will report 503",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}
