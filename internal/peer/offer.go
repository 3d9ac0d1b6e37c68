package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultLabel is the data channel label Offer opens.
const DefaultLabel = "rendezvous"

const maxResponseBytes = 4 << 20

// ErrAnswerTimeout is returned when the server reports that no peer answered
// in time (HTTP 408).
var ErrAnswerTimeout = errors.New("no peer answered the offer in time")

// StatusError is a non-200 reply from POST /signal other than 408.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("signal: http %d", e.StatusCode)
	}
	return fmt.Sprintf("signal: http %d: %s", e.StatusCode, e.Message)
}

type OfferConfig struct {
	// SignalURL is the offer endpoint, e.g. http://127.0.0.1:8080/signal.
	SignalURL string

	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	Label         string
	GatherTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Session is an offerer-side connection negotiated through the rendezvous
// server.
type Session struct {
	PeerConnection *webrtc.PeerConnection
	DataChannel    *webrtc.DataChannel

	opened     chan struct{}
	failed     chan struct{}
	failedOnce sync.Once
}

// WaitOpen blocks until the data channel is open.
func (s *Session) WaitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
		return nil
	case <-s.failed:
		return errors.New("peer connection failed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Close() error {
	return s.PeerConnection.Close()
}

type signalRequest struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

type signalResponse struct {
	SDP   json.RawMessage `json:"sdp"`
	Error string          `json:"error"`
}

// Offer creates a PeerConnection with one data channel, submits its offer to
// cfg.SignalURL and applies the answer. The caller owns the returned Session.
func Offer(ctx context.Context, cfg OfferConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = NewAPI(APIConfig{Logger: logger})
	}
	label := cfg.Label
	if label == "" {
		label = DefaultLabel
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	sess, err := negotiateOffer(ctx, pc, label, cfg, logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return sess, nil
}

func negotiateOffer(ctx context.Context, pc *webrtc.PeerConnection, label string, cfg OfferConfig, logger *slog.Logger) (*Session, error) {
	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	sess := &Session{
		PeerConnection: pc,
		DataChannel:    dc,
		opened:         make(chan struct{}),
		failed:         make(chan struct{}),
	}
	dc.OnOpen(func() { close(sess.opened) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			sess.failedOnce.Do(func() { close(sess.failed) })
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	local, err := waitGathered(ctx, pc, gatherComplete, gatherTimeout(cfg.GatherTimeout))
	if err != nil {
		return nil, err
	}

	answer, err := postOffer(ctx, cfg.HTTPClient, cfg.SignalURL, local)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("set remote answer: %w", err)
	}
	logger.Info("offer answered", "signal_url", cfg.SignalURL)
	return sess, nil
}

func postOffer(ctx context.Context, client *http.Client, signalURL string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(signalRequest{Type: "offer", SDP: encodeDescription(offer)})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signalURL, bytes.NewReader(body))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("read signal response: %w", err)
	}
	var out signalResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusRequestTimeout:
		return webrtc.SessionDescription{}, ErrAnswerTimeout
	default:
		return webrtc.SessionDescription{}, &StatusError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	if decodeErr != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode signal response: %w", decodeErr)
	}
	return decodeDescription(out.SDP, webrtc.SDPTypeAnswer)
}
