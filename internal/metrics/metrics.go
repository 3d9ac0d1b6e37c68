package metrics

import "sync"

// Event counters recorded by the rendezvous server.
const (
	OffersSubmitted   = "offers_submitted"
	OffersAnswered    = "offers_answered"
	OffersTimedOut    = "offers_timed_out"
	OffersRejected    = "offers_rejected"
	OffersCancelled   = "offers_cancelled"
	AnswersUnmatched  = "answers_unmatched"
	MessagesRelayed   = "messages_relayed"
	MessagesMalformed = "messages_malformed"
	DeliveryFailures  = "delivery_failures"
	PeersConnected    = "peers_connected"
	PeersDisconnected = "peers_disconnected"
	RateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can be
// constructed without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
