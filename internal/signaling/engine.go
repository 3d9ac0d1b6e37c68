package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/exchange"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

const DefaultOfferTimeout = 30 * time.Second

// ErrOfferTooLarge is returned by SubmitOffer when the encoded offer would not
// fit in a peer's send queue. Broadcasting it would drop every attached peer.
var ErrOfferTooLarge = errors.New("offer too large to relay to peers")

// Outcome describes what the engine did with a message received from a peer.
type Outcome int

const (
	// OutcomeRelayed: forwarded verbatim to every other peer.
	OutcomeRelayed Outcome = iota + 1
	// OutcomeResolved: an answer completed a pending offer.
	OutcomeResolved
	// OutcomeUnmatched: an answer named no pending offer and was ignored.
	OutcomeUnmatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelayed:
		return "relayed"
	case OutcomeResolved:
		return "resolved"
	case OutcomeUnmatched:
		return "unmatched"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type EngineConfig struct {
	Registry  *Registry
	Exchanges *exchange.Table[json.RawMessage]

	// OfferTimeout bounds how long an offer waits for its answer. Defaults to
	// DefaultOfferTimeout.
	OfferTimeout time.Duration

	// StrictSDP parses offer and answer descriptions with pion before routing
	// them. When false the description is opaque.
	StrictSDP bool

	// MaxBroadcastBytes caps the encoded offer pushed to peers. It must not
	// exceed what a peer can queue. Zero means unlimited.
	MaxBroadcastBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine routes signaling messages between the HTTP offer path and the
// attached peers.
type Engine struct {
	registry     *Registry
	exchanges    *exchange.Table[json.RawMessage]
	offerTimeout time.Duration
	strictSDP    bool
	maxBroadcast int

	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(logger, cfg.Metrics)
	}
	exchanges := cfg.Exchanges
	if exchanges == nil {
		exchanges = exchange.New[json.RawMessage](exchange.Config{})
	}
	timeout := cfg.OfferTimeout
	if timeout <= 0 {
		timeout = DefaultOfferTimeout
	}
	return &Engine{
		registry:     registry,
		exchanges:    exchanges,
		offerTimeout: timeout,
		strictSDP:    cfg.StrictSDP,
		maxBroadcast: cfg.MaxBroadcastBytes,
		log:          logger,
		metrics:      cfg.Metrics,
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) PendingOffers() int { return e.exchanges.Len() }

// SubmitOffer broadcasts sdp to every attached peer under a fresh exchange
// token and waits for the matching answer.
//
// It returns the answer's sdp value unchanged, exchange.ErrTimeout when no
// answer arrives within the offer timeout, ctx.Err() when the caller goes
// away, ErrOfferTooLarge when the offer cannot be relayed, or a
// *ValidationError for an unusable description.
func (e *Engine) SubmitOffer(ctx context.Context, sdp json.RawMessage) (json.RawMessage, error) {
	if err := requireSDP(sdp); err != nil {
		e.metrics.Inc(metrics.OffersRejected)
		return nil, err
	}
	if e.strictSDP {
		if err := validateDescription(sdp, webrtc.SDPTypeOffer); err != nil {
			e.metrics.Inc(metrics.OffersRejected)
			return nil, err
		}
	}

	ex, err := e.exchanges.Create()
	if err != nil {
		e.metrics.Inc(metrics.OffersRejected)
		return nil, err
	}
	log := e.log.With("exchange_id", ex.Token())

	msg, err := json.Marshal(offerMessage{Type: MessageTypeOffer, ID: ex.Token(), SDP: sdp})
	if err != nil {
		e.exchanges.Cancel(ex)
		return nil, fmt.Errorf("encode offer: %w", err)
	}
	if e.maxBroadcast > 0 && len(msg) > e.maxBroadcast {
		e.exchanges.Cancel(ex)
		e.metrics.Inc(metrics.OffersRejected)
		log.Warn("offer too large to relay", "bytes", len(msg), "max_bytes", e.maxBroadcast)
		return nil, ErrOfferTooLarge
	}

	e.metrics.Inc(metrics.OffersSubmitted)
	recipients := e.registry.Broadcast(msg, nil)
	log.Info("offer broadcast", "recipients", recipients)

	answer, err := e.exchanges.Await(ctx, ex, e.offerTimeout)
	switch {
	case err == nil:
		e.metrics.Inc(metrics.OffersAnswered)
		log.Info("offer answered", "wait_ms", ex.Age().Milliseconds())
		return answer, nil
	case errors.Is(err, exchange.ErrTimeout):
		e.metrics.Inc(metrics.OffersTimedOut)
		log.Info("offer timed out", "timeout", e.offerTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.metrics.Inc(metrics.OffersCancelled)
		log.Info("offer abandoned by caller", "err", err)
	default:
		log.Warn("offer failed", "err", err)
	}
	return nil, err
}

// HandlePeerMessage routes one message received from peer from.
//
// An answer carrying an id completes the matching offer and is never relayed,
// whether or not an offer matched. Every other well-formed message, including
// answers without an id and offers exchanged directly between peers, is
// relayed byte for byte to all other peers. Malformed messages return a
// *ValidationError and have no effect.
func (e *Engine) HandlePeerMessage(from Peer, data []byte) (Outcome, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		e.metrics.Inc(metrics.MessagesMalformed)
		return 0, err
	}

	if env.Type == MessageTypeAnswer && env.HasID {
		if err := requireSDP(env.SDP); err != nil {
			e.metrics.Inc(metrics.MessagesMalformed)
			return 0, err
		}
		if e.strictSDP {
			if err := validateDescription(env.SDP, webrtc.SDPTypeAnswer); err != nil {
				e.metrics.Inc(metrics.MessagesMalformed)
				return 0, err
			}
		}
		if e.exchanges.Resolve(env.ID, env.SDP) {
			e.log.Debug("answer resolved offer", "peer_id", from.ID(), "exchange_id", env.ID)
			return OutcomeResolved, nil
		}
		e.metrics.Inc(metrics.AnswersUnmatched)
		e.log.Warn("answer for unknown exchange", "peer_id", from.ID(), "exchange_id", env.ID)
		return OutcomeUnmatched, nil
	}

	recipients := e.registry.Broadcast(data, from)
	e.metrics.Inc(metrics.MessagesRelayed)
	e.log.Debug("message relayed", "peer_id", from.ID(), "type", env.Type, "recipients", recipients)
	return OutcomeRelayed, nil
}
