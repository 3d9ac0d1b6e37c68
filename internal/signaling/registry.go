package signaling

import (
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

// Peer is one attached push channel. Implementations compare by identity.
type Peer interface {
	ID() string
	// Send queues msg for delivery without blocking. An error means the peer
	// can no longer be written to and must be dropped.
	Send(msg []byte) error
	Close() error
}

// Registry is the set of currently attached peers.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	peers  map[Peer]struct{}
	closed bool
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		metrics: m,
		peers:   make(map[Peer]struct{}),
	}
}

// Add attaches p. After CloseAll the registry refuses new peers: p is closed
// immediately and Add returns false.
func (r *Registry) Add(p Peer) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Info("rejecting peer after shutdown", "peer_id", p.ID())
		_ = p.Close()
		return false
	}
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()

	r.metrics.Inc(metrics.PeersConnected)
	r.log.Info("peer attached", "peer_id", p.ID(), "peers", n)
	return true
}

// Remove detaches p. It reports whether this call removed it; removing an
// absent peer is a no-op.
func (r *Registry) Remove(p Peer) bool {
	r.mu.Lock()
	_, ok := r.peers[p]
	delete(r.peers, p)
	n := len(r.peers)
	r.mu.Unlock()

	if ok {
		r.metrics.Inc(metrics.PeersDisconnected)
		r.log.Info("peer detached", "peer_id", p.ID(), "peers", n)
	}
	return ok
}

// Broadcast queues msg on every peer except exclude and returns how many
// peers accepted it.
//
// Sends happen under the read lock, so a peer is never written to after its
// Remove has returned. Peers that fail are removed and closed once the lock
// is released; their failure is not reported to the caller.
func (r *Registry) Broadcast(msg []byte, exclude Peer) int {
	type failure struct {
		peer Peer
		err  error
	}
	var failed []failure
	delivered := 0

	r.mu.RLock()
	for p := range r.peers {
		if exclude != nil && p == exclude {
			continue
		}
		if err := p.Send(msg); err != nil {
			failed = append(failed, failure{peer: p, err: err})
			continue
		}
		delivered++
	}
	r.mu.RUnlock()

	for _, f := range failed {
		r.metrics.Inc(metrics.DeliveryFailures)
		r.log.Warn("dropping peer after delivery failure", "peer_id", f.peer.ID(), "err", f.err)
		if r.Remove(f.peer) {
			_ = f.peer.Close()
		}
	}
	return delivered
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll detaches and closes every peer. Peers added afterwards are closed
// on arrival.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[Peer]struct{})
	r.mu.Unlock()

	for _, p := range peers {
		r.metrics.Inc(metrics.PeersDisconnected)
		_ = p.Close()
	}
}
