package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/origin"
)

const (
	envVarListenAddr      = "AERO_RENDEZVOUS_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_RENDEZVOUS_PUBLIC_BASE_URL"
	envVarMode            = "AERO_RENDEZVOUS_MODE"
	envVarLogFormat       = "AERO_RENDEZVOUS_LOG_FORMAT"
	envVarLogLevel        = "AERO_RENDEZVOUS_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_RENDEZVOUS_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "AERO_RENDEZVOUS_ALLOWED_ORIGINS"

	envVarOfferTimeout         = "AERO_RENDEZVOUS_OFFER_TIMEOUT"
	envVarMaxPendingOffers     = "AERO_RENDEZVOUS_MAX_PENDING_OFFERS"
	envVarMaxOfferBodyBytes    = "AERO_RENDEZVOUS_MAX_OFFER_BODY_BYTES"
	envVarStrictSDP            = "AERO_RENDEZVOUS_STRICT_SDP"
	envVarDisableOfferEndpoint = "AERO_RENDEZVOUS_DISABLE_OFFER_ENDPOINT"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "AERO_RENDEZVOUS_SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "AERO_RENDEZVOUS_SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "AERO_RENDEZVOUS_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "AERO_RENDEZVOUS_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarPeerSendQueueBytes            = "AERO_RENDEZVOUS_PEER_SEND_QUEUE_BYTES"

	envVarStaticDir    = "AERO_RENDEZVOUS_STATIC_DIR"
	envVarMDNS         = "AERO_RENDEZVOUS_MDNS"
	envVarMDNSInstance = "AERO_RENDEZVOUS_MDNS_INSTANCE"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second

	DefaultOfferTimeout      = 30 * time.Second
	DefaultMaxPendingOffers  = 1024
	DefaultMaxOfferBodyBytes = int64(2 << 20)

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultPeerSendQueueBytes            = 1 << 20
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ICEServers is advertised to browsers via GET /webrtc/ice. The rendezvous
	// server never creates PeerConnections itself.
	ICEServers   []webrtc.ICEServer
	iceConfigErr error

	OfferTimeout         time.Duration
	MaxPendingOffers     int
	MaxOfferBodyBytes    int64
	StrictSDP            bool
	DisableOfferEndpoint bool

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	PeerSendQueueBytes            int

	// StaticDir holds index.html and client.js; empty disables both routes.
	StaticDir string

	MDNS         bool
	MDNSInstance string
}

// ICEConfigError reports whether the ICE server configuration failed to parse.
//
// The server still starts with an invalid ICE config so that /healthz stays
// reachable, but /readyz and /webrtc/ice report the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	mdnsInstance := envOrDefault(lookup, envVarMDNSInstance, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	offerTimeout, err := envDurationOrDefault(lookup, envVarOfferTimeout, DefaultOfferTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxPendingOffers, err := envIntOrDefault(lookup, envVarMaxPendingOffers, DefaultMaxPendingOffers)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	peerSendQueueBytes, err := envIntOrDefault(lookup, envVarPeerSendQueueBytes, DefaultPeerSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	maxOfferBodyBytes := DefaultMaxOfferBodyBytes
	if raw, ok := lookup(envVarMaxOfferBodyBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxOfferBodyBytes, raw, err)
		}
		maxOfferBodyBytes = n
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	strictSDP, err := envBoolOrDefault(lookup, envVarStrictSDP, false)
	if err != nil {
		return Config{}, err
	}
	disableOfferEndpoint, err := envBoolOrDefault(lookup, envVarDisableOfferEndpoint, false)
	if err != nil {
		return Config{}, err
	}
	mdnsEnabled, err := envBoolOrDefault(lookup, envVarMDNS, false)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-webrtc-rendezvous", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging and mDNS TXT records)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.DurationVar(&offerTimeout, "offer-timeout", offerTimeout, "How long POST /signal waits for a peer to answer (env "+envVarOfferTimeout+")")
	fs.IntVar(&maxPendingOffers, "max-pending-offers", maxPendingOffers, "Maximum offers waiting for an answer at once (0 = unlimited; env "+envVarMaxPendingOffers+")")
	fs.Int64Var(&maxOfferBodyBytes, "max-offer-body-bytes", maxOfferBodyBytes, "Max POST /signal body size in bytes (env "+envVarMaxOfferBodyBytes+")")
	fs.BoolVar(&strictSDP, "strict-sdp", strictSDP, "Reject offers and answers whose SDP does not parse (env "+envVarStrictSDP+")")
	fs.BoolVar(&disableOfferEndpoint, "disable-offer-endpoint", disableOfferEndpoint, "Serve only the /ws relay; POST /signal returns 404 (env "+envVarDisableOfferEndpoint+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&peerSendQueueBytes, "peer-send-queue-bytes", peerSendQueueBytes, "Max queued outbound bytes per peer before it is dropped (env "+envVarPeerSendQueueBytes+")")

	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory holding index.html and client.js (env "+envVarStaticDir+")")
	fs.BoolVar(&mdnsEnabled, "mdns", mdnsEnabled, "Advertise the server on the local network via mDNS (env "+envVarMDNS+")")
	fs.StringVar(&mdnsInstance, "mdns-instance", mdnsInstance, "mDNS instance name (default: random petname; env "+envVarMDNSInstance+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// A --mode flag changes the log defaults unless they were set explicitly.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(strings.TrimSpace(listenAddr)); err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarListenAddr, "--listen-addr", listenAddr, err)
	}
	listenAddr = strings.TrimSpace(listenAddr)

	if strings.TrimSpace(publicBaseURL) != "" {
		u, err := url.Parse(strings.TrimSpace(publicBaseURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/%s %q (expected http:// or https:// URL)", envVarPublicBaseURL, "--public-base-url", publicBaseURL)
		}
		publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarShutdownTimeout, "--shutdown-timeout")
	}
	if offerTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarOfferTimeout, "--offer-timeout")
	}
	if maxPendingOffers < 0 {
		return Config{}, fmt.Errorf("%s/%s must be >= 0", envVarMaxPendingOffers, "--max-pending-offers")
	}
	if maxOfferBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarMaxOfferBodyBytes, "--max-offer-body-bytes")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarSignalingWSIdleTimeout, "--signaling-ws-idle-timeout")
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarSignalingWSPingInterval, "--signaling-ws-ping-interval")
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/%s (%s) must be < %s/%s (%s)",
			envVarSignalingWSPingInterval, "--signaling-ws-ping-interval", signalingWSPingInterval,
			envVarSignalingWSIdleTimeout, "--signaling-ws-idle-timeout", signalingWSIdleTimeout,
		)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarMaxSignalingMessageBytes, "--max-signaling-message-bytes")
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarMaxSignalingMessagesPerSecond, "--max-signaling-messages-per-second")
	}
	if peerSendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarPeerSendQueueBytes, "--peer-send-queue-bytes")
	}
	// A peer that cannot buffer one full message would drop every offer.
	if int64(peerSendQueueBytes) < maxSignalingMessageBytes {
		return Config{}, fmt.Errorf("%s/%s (%d) must be >= %s/%s (%d)",
			envVarPeerSendQueueBytes, "--peer-send-queue-bytes", peerSendQueueBytes,
			envVarMaxSignalingMessageBytes, "--max-signaling-message-bytes", maxSignalingMessageBytes,
		)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	if strings.TrimSpace(staticDir) != "" {
		staticDir = filepath.Clean(strings.TrimSpace(staticDir))
	} else {
		staticDir = ""
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		OfferTimeout:         offerTimeout,
		MaxPendingOffers:     maxPendingOffers,
		MaxOfferBodyBytes:    maxOfferBodyBytes,
		StrictSDP:            strictSDP,
		DisableOfferEndpoint: disableOfferEndpoint,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		PeerSendQueueBytes:            peerSendQueueBytes,

		StaticDir:    staticDir,
		MDNS:         mdnsEnabled,
		MDNSInstance: strings.TrimSpace(mdnsInstance),
	}

	iceServers, err := iceServersFromEnv(iceServersJSON, ICEServerURLs{
		STUN:           SplitURLList(stunURLs),
		TURN:           SplitURLList(turnURLs),
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	})
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// IsLoopbackListenAddr reports whether addr only accepts local connections.
// An empty or wildcard host listens on every interface.
func IsLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
