// Package peer is a Go WebRTC endpoint that negotiates through the rendezvous
// server: an Answerer attaches to the /ws stream and answers offers, and Offer
// submits an offer over POST /signal.
package peer

import (
	"log/slog"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

// DefaultGatherTimeout bounds ICE gathering before a description is sent.
// Descriptions are sent whole rather than trickled, so whatever candidates
// exist when it expires are all the remote side gets.
const DefaultGatherTimeout = 2 * time.Second

type APIConfig struct {
	Logger *slog.Logger
	// Net replaces the host network stack, e.g. with a pion/transport vnet.
	Net transport.Net
}

func NewAPI(cfg APIConfig) *webrtc.API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger),
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func gatherTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultGatherTimeout
	}
	return d
}
