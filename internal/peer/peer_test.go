package peer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/signaling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVNetAPIs wires two WebRTC APIs to a virtual LAN so ICE never touches the
// host network.
func newVNetAPIs(t *testing.T) (offerer, answerer *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	logger := discardLogger()
	return peer.NewAPI(peer.APIConfig{Logger: logger, Net: netA}),
		peer.NewAPI(peer.APIConfig{Logger: logger, Net: netB})
}

func startRendezvous(t *testing.T, offerTimeout time.Duration) (*signaling.Server, string) {
	t.Helper()

	sig := signaling.NewServer(signaling.Config{
		Logger:       discardLogger(),
		OfferTimeout: offerTimeout,
		StrictSDP:    true,
	})
	ts := httptest.NewServer(sig.Handler())
	t.Cleanup(func() {
		sig.Close()
		ts.Close()
	})
	return sig, ts.URL
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferAnswerThroughRendezvous(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	sig, baseURL := startRendezvous(t, 10*time.Second)

	answered := make(chan string, 1)
	answerer := &peer.Answerer{
		URL:    "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
		API:    apiB,
		Logger: discardLogger(),
		OnAnswered: func(offerID string, _ *webrtc.PeerConnection) {
			answered <- offerID
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- answerer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("answerer did not stop")
		}
	})

	waitFor(t, "answerer to attach", func() bool { return sig.Registry().Count() == 1 })

	offerCtx, offerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer offerCancel()
	sess, err := peer.Offer(offerCtx, peer.OfferConfig{
		SignalURL: baseURL + "/signal",
		API:       apiA,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	defer sess.Close()

	select {
	case id := <-answered:
		if id == "" {
			t.Fatalf("answered an offer without an exchange id")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("answerer never reported an answer")
	}

	if err := sess.WaitOpen(offerCtx); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}

	echoed := make(chan string, 1)
	sess.DataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			echoed <- string(msg.Data)
		}
	})
	if err := sess.DataChannel.SendText("hello through the rendezvous"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case got := <-echoed:
		if got != "hello through the rendezvous" {
			t.Fatalf("echo=%q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echo")
	}

	if got := sig.Engine().PendingOffers(); got != 0 {
		t.Fatalf("PendingOffers=%d, want 0", got)
	}
	if got := answerer.Connections(); got != 1 {
		t.Fatalf("answerer Connections=%d, want 1", got)
	}
}

func TestOfferWithoutAnswerersTimesOut(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	_, baseURL := startRendezvous(t, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := peer.Offer(ctx, peer.OfferConfig{
		SignalURL: baseURL + "/signal",
		API:       apiA,
		Logger:    discardLogger(),
	})
	if !errors.Is(err, peer.ErrAnswerTimeout) {
		t.Fatalf("err=%v, want %v", err, peer.ErrAnswerTimeout)
	}
}

func TestOfferReportsServerErrors(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	_, baseURL := startRendezvous(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := peer.Offer(ctx, peer.OfferConfig{
		SignalURL: baseURL + "/nope",
		API:       apiA,
		Logger:    discardLogger(),
	})
	var statusErr *peer.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err=%v, want *peer.StatusError", err)
	}
	if statusErr.StatusCode != 404 && statusErr.StatusCode != 405 {
		t.Fatalf("StatusCode=%d, want 404 or 405", statusErr.StatusCode)
	}
}

func TestAnswererIgnoresRelayedTraffic(t *testing.T) {
	_, apiB := newVNetAPIs(t)
	sig, baseURL := startRendezvous(t, time.Second)

	answerer := &peer.Answerer{
		URL:    "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
		API:    apiB,
		Logger: discardLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- answerer.Run(ctx) }()

	waitFor(t, "answerer to attach", func() bool { return sig.Registry().Count() == 1 })

	// Candidates and offers without an exchange id are not answered.
	relayed := &relayPeer{}
	sig.Registry().Add(relayed)
	if _, err := sig.Engine().HandlePeerMessage(relayed, []byte(`{"type":"candidate","candidate":{}}`)); err != nil {
		t.Fatalf("HandlePeerMessage: %v", err)
	}
	if _, err := sig.Engine().HandlePeerMessage(relayed, []byte(`{"type":"offer","sdp":"v=0"}`)); err != nil {
		t.Fatalf("HandlePeerMessage: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := answerer.Connections(); got != 0 {
		t.Fatalf("Connections=%d, want 0", got)
	}
	if got := relayed.count(); got != 0 {
		t.Fatalf("answerer replied %d times to relayed traffic", got)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("answerer did not stop")
	}
}
