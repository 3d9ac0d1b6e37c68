package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/exchange"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero values select the defaults noted on each field.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origins guards both POST /signal and the WebSocket upgrade.
	Origins origin.Policy

	// OfferTimeout bounds how long POST /signal waits for an answer (30s).
	OfferTimeout time.Duration
	// MaxPendingOffers caps concurrently waiting offers (unlimited).
	MaxPendingOffers int
	// MaxOfferBodyBytes caps the POST /signal body (2 MiB).
	MaxOfferBodyBytes int64
	// StrictSDP parses descriptions with pion before routing them.
	StrictSDP bool
	// DisableOfferEndpoint leaves POST /signal unregistered so peers only
	// negotiate among themselves over the stream.
	DisableOfferEndpoint bool

	// SignalingWSIdleTimeout closes streams that send nothing, not even a
	// pong, for this long (60s).
	SignalingWSIdleTimeout time.Duration
	// SignalingWSPingInterval is the keepalive ping period (20s).
	SignalingWSPingInterval time.Duration

	// MaxSignalingMessageBytes caps one inbound stream message (64 KiB).
	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond limits inbound stream messages per peer
	// (50).
	MaxSignalingMessagesPerSecond int
	// PeerSendQueueBytes bounds the messages buffered for one slow peer
	// before it is dropped (1 MiB).
	PeerSendQueueBytes int
}

// Server implements the rendezvous HTTP/WebSocket surface.
//
// Endpoints:
//   - POST /signal : submit an offer, block until the answer or a timeout
//   - GET  /ws     : attach as a peer (receives offers, sends answers and relays)
type Server struct {
	cfg Config

	log     *slog.Logger
	metrics *metrics.Metrics

	registry  *Registry
	exchanges *exchange.Table[json.RawMessage]
	engine    *Engine

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		log:       logger,
		metrics:   cfg.Metrics,
		exchanges: exchange.New[json.RawMessage](exchange.Config{MaxPending: cfg.MaxPendingOffers}),
	}
	s.registry = NewRegistry(logger, cfg.Metrics)
	s.engine = NewEngine(EngineConfig{
		Registry:     s.registry,
		Exchanges:    s.exchanges,
		OfferTimeout: cfg.OfferTimeout,
		StrictSDP:    cfg.StrictSDP,
		Logger:       logger,
		Metrics:      cfg.Metrics,

		// Every peer must be able to queue the offer on an otherwise empty
		// queue, or one request would disconnect all of them.
		MaxBroadcastBytes: s.peerSendQueueBytes(),
	})
	s.upgrader = websocket.Upgrader{
		CheckOrigin: cfg.Origins.CheckOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if !s.cfg.DisableOfferEndpoint {
		offer := s.cfg.Origins.Wrap(s.handleSignal)
		mux.HandleFunc("POST /signal", offer)
		mux.HandleFunc("OPTIONS /signal", offer)
	}
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Engine() *Engine { return s.engine }

func (s *Server) Registry() *Registry { return s.registry }

// Gauges exposes live peer and pending offer counts for the metrics endpoint.
func (s *Server) Gauges() []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "aero_webrtc_rendezvous_peers", Help: "Attached signaling peers.", Value: s.registry.Count},
		{Name: "aero_webrtc_rendezvous_pending_offers", Help: "Offers waiting for an answer.", Value: s.exchanges.Len},
	}
}

// Close fails every pending offer and disconnects every peer.
func (s *Server) Close() {
	s.exchanges.Close()
	s.registry.CloseAll()
}

func (s *Server) maxOfferBodyBytes() int64 {
	if s.cfg.MaxOfferBodyBytes <= 0 {
		return 2 << 20
	}
	return s.cfg.MaxOfferBodyBytes
}

func (s *Server) signalingWSIdleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) signalingWSPingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) peerSendQueueBytes() int {
	if s.cfg.PeerSendQueueBytes <= 0 {
		return 1 << 20
	}
	return s.cfg.PeerSendQueueBytes
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxOfferBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := parseEnvelope(body)
	if err != nil {
		s.metrics.Inc(metrics.OffersRejected)
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Field == "type" {
			writeJSONError(w, http.StatusBadRequest, "Invalid data type")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Type != MessageTypeOffer {
		s.metrics.Inc(metrics.OffersRejected)
		writeJSONError(w, http.StatusBadRequest, "Invalid data type")
		return
	}

	answer, err := s.engine.SubmitOffer(r.Context(), env.SDP)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSONError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, ErrOfferTooLarge):
			writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, exchange.ErrTimeout):
			writeJSONError(w, http.StatusRequestTimeout, "Timeout waiting for answer")
		case errors.Is(err, exchange.ErrTooManyPending):
			writeJSONError(w, http.StatusServiceUnavailable, "too many pending offers")
		case errors.Is(err, exchange.ErrClosed):
			writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		case r.Context().Err() != nil:
			// The caller is gone; nobody reads the response.
		default:
			s.log.Error("offer failed", "err", err, "remote_addr", r.RemoteAddr)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: answer})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	peer, err := newWSPeer(conn, s.peerSendQueueBytes(), s.log)
	if err != nil {
		s.log.Error("failed to create peer", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	if !s.registry.Add(peer) {
		return
	}
	defer func() {
		s.registry.Remove(peer)
		_ = peer.Close()
	}()

	peer.start(s.signalingWSPingInterval())
	s.readLoop(peer)
}

func (s *Server) readLoop(peer *wsPeer) {
	conn := peer.conn
	idle := s.signalingWSIdleTimeout()
	limiter := ratelimit.NewMessageLimiter(ratelimit.RealClock{}, s.maxSignalingMessagesPerSecond())

	conn.SetReadLimit(s.maxSignalingMessageBytes())
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				peer.log.Info("closing idle peer", "idle_timeout", idle)
				peer.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				peer.log.Warn("peer message too large", "limit_bytes", s.maxSignalingMessageBytes())
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				peer.log.Debug("peer stream ended", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limiting happens after the read so the close frame isn't lost
		// to an abortive close on unread data.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			peer.log.Warn("peer exceeded message rate", "limit_per_second", s.maxSignalingMessagesPerSecond())
			peer.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.MessagesMalformed)
			peer.log.Warn("dropping non-text message", "message_type", msgType)
			continue
		}

		outcome, err := s.engine.HandlePeerMessage(peer, data)
		if err != nil {
			peer.log.Warn("dropping malformed message", "err", err, "bytes", len(data))
			continue
		}
		peer.log.Debug("peer message handled", "outcome", outcome.String())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
