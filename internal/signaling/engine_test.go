package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/exchange"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	e := NewEngine(EngineConfig{
		OfferTimeout: timeout,
		Logger:       discardLogger(),
		Metrics:      m,
	})
	return e, m
}

func TestEngine_OfferWithoutPeersTimesOut(t *testing.T) {
	e, m := newTestEngine(t, 50*time.Millisecond)

	start := time.Now()
	_, err := e.SubmitOffer(context.Background(), json.RawMessage(`"offer-sdp"`))
	if !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("err=%v, want %v", err, exchange.ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("offer took %v to time out", elapsed)
	}
	if got := e.PendingOffers(); got != 0 {
		t.Fatalf("PendingOffers=%d, want 0", got)
	}
	if got := m.Get(metrics.OffersTimedOut); got != 1 {
		t.Fatalf("offers_timed_out=%d, want 1", got)
	}
}

// answeringPeer replies to every broadcast offer with an answer carrying sdp.
func answeringPeer(t *testing.T, e *Engine, id string, sdp string) *fakePeer {
	t.Helper()
	p := newFakePeer(id)
	p.onSend = func(msg []byte) {
		var offer offerMessage
		if err := json.Unmarshal(msg, &offer); err != nil || offer.Type != MessageTypeOffer {
			return
		}
		answer, _ := json.Marshal(map[string]any{"type": "answer", "id": offer.ID, "sdp": sdp})
		go func() {
			if _, err := e.HandlePeerMessage(p, answer); err != nil {
				t.Errorf("HandlePeerMessage: %v", err)
			}
		}()
	}
	return p
}

func TestEngine_OfferAnsweredByPeer(t *testing.T) {
	e, m := newTestEngine(t, 5*time.Second)
	answerer := answeringPeer(t, e, "answerer", "answer-sdp")
	bystander := newFakePeer("bystander")
	e.Registry().Add(answerer)
	e.Registry().Add(bystander)

	got, err := e.SubmitOffer(context.Background(), json.RawMessage(`"offer-sdp"`))
	if err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if string(got) != `"answer-sdp"` {
		t.Fatalf("answer=%s, want %q", got, `"answer-sdp"`)
	}
	if e.PendingOffers() != 0 {
		t.Fatalf("expected answered exchange to be removed")
	}

	// Both peers saw the offer, and nobody saw the answer.
	for _, p := range []*fakePeer{answerer, bystander} {
		msgs := p.received()
		if len(msgs) != 1 {
			t.Fatalf("peer %s received %d messages, want 1", p.id, len(msgs))
		}
		var offer offerMessage
		if err := json.Unmarshal(msgs[0], &offer); err != nil {
			t.Fatalf("decode offer: %v", err)
		}
		if offer.Type != MessageTypeOffer || offer.ID == "" || string(offer.SDP) != `"offer-sdp"` {
			t.Fatalf("unexpected offer %s", msgs[0])
		}
	}
	if got := m.Get(metrics.OffersAnswered); got != 1 {
		t.Fatalf("offers_answered=%d, want 1", got)
	}
}

func TestEngine_DuplicateAnswerIsIgnored(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Second)
	a := newFakePeer("a")
	b := newFakePeer("b")
	e.Registry().Add(a)
	e.Registry().Add(b)

	type result struct {
		sdp json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		sdp, err := e.SubmitOffer(context.Background(), json.RawMessage(`"o"`))
		done <- result{sdp, err}
	}()

	var token string
	deadline := time.Now().Add(2 * time.Second)
	for token == "" {
		if time.Now().After(deadline) {
			t.Fatalf("offer was never broadcast")
		}
		if msgs := a.received(); len(msgs) > 0 {
			var offer offerMessage
			_ = json.Unmarshal(msgs[0], &offer)
			token = offer.ID
		}
		time.Sleep(time.Millisecond)
	}

	answer := []byte(`{"type":"answer","id":"` + token + `","sdp":"first"}`)
	if out, err := e.HandlePeerMessage(a, answer); err != nil || out != OutcomeResolved {
		t.Fatalf("first answer outcome=%v err=%v", out, err)
	}
	second := []byte(`{"type":"answer","id":"` + token + `","sdp":"second"}`)
	if out, err := e.HandlePeerMessage(b, second); err != nil || out != OutcomeUnmatched {
		t.Fatalf("second answer outcome=%v err=%v", out, err)
	}

	res := <-done
	if res.err != nil || string(res.sdp) != `"first"` {
		t.Fatalf("offer result sdp=%s err=%v", res.sdp, res.err)
	}
	if len(a.received()) != 1 || len(b.received()) != 1 {
		t.Fatalf("answers must never be relayed")
	}
}

func TestEngine_UnknownTokenHasNoEffect(t *testing.T) {
	e, m := newTestEngine(t, time.Second)
	a, b := newFakePeer("a"), newFakePeer("b")
	e.Registry().Add(a)
	e.Registry().Add(b)

	out, err := e.HandlePeerMessage(a, []byte(`{"type":"answer","id":"no-such-exchange","sdp":"x"}`))
	if err != nil {
		t.Fatalf("HandlePeerMessage: %v", err)
	}
	if out != OutcomeUnmatched {
		t.Fatalf("outcome=%v, want %v", out, OutcomeUnmatched)
	}
	if len(a.received()) != 0 || len(b.received()) != 0 {
		t.Fatalf("unmatched answer must not reach any peer")
	}
	if e.Registry().Count() != 2 {
		t.Fatalf("registry changed after unmatched answer")
	}
	if got := m.Get(metrics.AnswersUnmatched); got != 1 {
		t.Fatalf("answers_unmatched=%d, want 1", got)
	}
}

func TestEngine_RelaysOtherMessagesVerbatim(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	a, b, c := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	e.Registry().Add(a)
	e.Registry().Add(b)
	e.Registry().Add(c)

	cases := [][]byte{
		[]byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`),
		[]byte("{ \"sdp\" : {\"type\":\"answer\"},\n  \"type\":\"answer\" }"),
		[]byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"},"extra":[1,2,3]}`),
		[]byte(`{"type":"custom","id":null,"payload":"é"}`),
	}
	for i, msg := range cases {
		out, err := e.HandlePeerMessage(a, msg)
		if err != nil {
			t.Fatalf("case %d: HandlePeerMessage: %v", i, err)
		}
		if out != OutcomeRelayed {
			t.Fatalf("case %d: outcome=%v, want %v", i, out, OutcomeRelayed)
		}
	}

	if n := len(a.received()); n != 0 {
		t.Fatalf("sender received %d of its own messages", n)
	}
	for _, p := range []*fakePeer{b, c} {
		got := p.received()
		if len(got) != len(cases) {
			t.Fatalf("peer %s received %d messages, want %d", p.id, len(got), len(cases))
		}
		for i := range cases {
			if string(got[i]) != string(cases[i]) {
				t.Fatalf("peer %s message %d=%q, want %q", p.id, i, got[i], cases[i])
			}
		}
	}
}

func TestEngine_MalformedMessagesAreDropped(t *testing.T) {
	e, m := newTestEngine(t, time.Second)
	a, b := newFakePeer("a"), newFakePeer("b")
	e.Registry().Add(a)
	e.Registry().Add(b)

	cases := map[string]string{
		"not json":           `not json`,
		"array":              `[1,2]`,
		"null":               `null`,
		"missing type":       `{"sdp":"x"}`,
		"empty type":         `{"type":""}`,
		"numeric type":       `{"type":7}`,
		"numeric id":         `{"type":"answer","id":7,"sdp":"x"}`,
		"answer without sdp": `{"type":"answer","id":"abc"}`,
		"answer empty sdp":   `{"type":"answer","id":"abc","sdp":""}`,
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.HandlePeerMessage(a, []byte(msg))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err=%v, want *ValidationError", err)
			}
		})
	}

	if len(b.received()) != 0 {
		t.Fatalf("malformed messages must never be forwarded")
	}
	if got := m.Get(metrics.MessagesMalformed); got != uint64(len(cases)) {
		t.Fatalf("messages_malformed=%d, want %d", got, len(cases))
	}
}

func TestEngine_RejectsOfferLargerThanBroadcastLimit(t *testing.T) {
	m := metrics.New()
	e := NewEngine(EngineConfig{
		OfferTimeout:      time.Second,
		MaxBroadcastBytes: 256,
		Logger:            discardLogger(),
		Metrics:           m,
	})
	p := newFakePeer("p")
	e.Registry().Add(p)

	sdp, _ := json.Marshal(strings.Repeat("x", 512))
	_, err := e.SubmitOffer(context.Background(), sdp)
	if !errors.Is(err, ErrOfferTooLarge) {
		t.Fatalf("err=%v, want %v", err, ErrOfferTooLarge)
	}
	if len(p.received()) != 0 {
		t.Fatalf("oversized offer was broadcast")
	}
	if e.Registry().Count() != 1 || p.closeCount() != 0 {
		t.Fatalf("peer was dropped by an oversized offer")
	}
	if e.PendingOffers() != 0 {
		t.Fatalf("PendingOffers=%d, want 0", e.PendingOffers())
	}
	if got := m.Get(metrics.OffersSubmitted); got != 0 {
		t.Fatalf("offers_submitted=%d, want 0", got)
	}
}

func TestEngine_RejectsOfferWithoutSDP(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`null`), json.RawMessage(`""`)} {
		_, err := e.SubmitOffer(context.Background(), raw)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("sdp=%q: err=%v, want *ValidationError", raw, err)
		}
	}
	if e.PendingOffers() != 0 {
		t.Fatalf("rejected offers must not create exchanges")
	}
}

func TestEngine_StrictSDP(t *testing.T) {
	e := NewEngine(EngineConfig{
		OfferTimeout: 20 * time.Millisecond,
		StrictSDP:    true,
		Logger:       discardLogger(),
	})

	_, err := e.SubmitOffer(context.Background(), json.RawMessage(`"definitely not sdp"`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want *ValidationError", err)
	}

	wrongType, _ := json.Marshal(map[string]string{"type": "answer", "sdp": testSDP})
	if _, err := e.SubmitOffer(context.Background(), wrongType); !errors.As(err, &verr) {
		t.Fatalf("err=%v, want *ValidationError for mismatched description type", err)
	}

	valid, _ := json.Marshal(map[string]string{"type": "offer", "sdp": testSDP})
	if _, err := e.SubmitOffer(context.Background(), valid); !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("err=%v, want %v for a valid offer with no peers", err, exchange.ErrTimeout)
	}

	bare, _ := json.Marshal(testSDP)
	if _, err := e.SubmitOffer(context.Background(), bare); !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("err=%v, want %v for a bare SDP string", err, exchange.ErrTimeout)
	}
}

func TestEngine_CallerCancellationDiscardsExchange(t *testing.T) {
	e, m := newTestEngine(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.SubmitOffer(ctx, json.RawMessage(`"o"`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
	if e.PendingOffers() != 0 {
		t.Fatalf("expected cancelled exchange to be removed")
	}
	if got := m.Get(metrics.OffersCancelled); got != 1 {
		t.Fatalf("offers_cancelled=%d, want 1", got)
	}
}
