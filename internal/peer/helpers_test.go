package peer_test

import "sync"

// relayPeer is an in-process registry member that records what it receives.
type relayPeer struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *relayPeer) ID() string { return "in-process" }

func (p *relayPeer) Send(msg []byte) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *relayPeer) Close() error { return nil }

func (p *relayPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}
