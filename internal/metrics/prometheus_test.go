package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(OffersSubmitted)
	m.Add(MessagesRelayed, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_rendezvous_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="messages_relayed"} 2`) {
		t.Fatalf("missing messages_relayed counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="offers_submitted"} 1`) {
		t.Fatalf("missing offers_submitted counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_Gauges(t *testing.T) {
	peers := 3
	h := PrometheusHandler(New(),
		Gauge{Name: "aero_webrtc_rendezvous_peers", Help: "Connected peers.", Value: func() int { return peers }},
		Gauge{Name: "skipped"},
	)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_rendezvous_peers gauge\naero_webrtc_rendezvous_peers 3\n") {
		t.Fatalf("missing peers gauge: %s", body)
	}
	if strings.Contains(body, "skipped") {
		t.Fatalf("gauge without value func must not be emitted: %s", body)
	}
}

func TestNilMetricsDiscardsUpdates(t *testing.T) {
	var m *Metrics
	m.Inc(PeersConnected)
	if got := m.Get(PeersConnected); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap)
	}
}
