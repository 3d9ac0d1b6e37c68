package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsPeer is a Peer backed by a WebSocket connection.
//
// Send only enqueues. A single writer goroutine drains the queue so the
// connection never has two concurrent data writers; pings and close frames go
// through WriteControl, which gorilla allows concurrently with it.
type wsPeer struct {
	id    string
	conn  *websocket.Conn
	queue *outboundQueue
	log   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn, queueBytes int, logger *slog.Logger) (*wsPeer, error) {
	id, err := newPeerID()
	if err != nil {
		return nil, err
	}
	return &wsPeer{
		id:    id,
		conn:  conn,
		queue: newOutboundQueue(queueBytes),
		log:   logger.With("peer_id", id, "remote_addr", conn.RemoteAddr().String()),
		done:  make(chan struct{}),
	}, nil
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(msg []byte) error {
	return p.queue.Enqueue(msg)
}

func (p *wsPeer) Close() error {
	p.closeWith(websocket.CloseGoingAway, "closing")
	return nil
}

// start launches the writer and, when pingInterval > 0, the keepalive pinger.
func (p *wsPeer) start(pingInterval time.Duration) {
	go p.writeLoop()
	if pingInterval > 0 {
		go p.pingLoop(pingInterval)
	}
}

func (p *wsPeer) writeLoop() {
	for {
		msg, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			p.log.Debug("websocket write failed", "err", err)
			// Closing the socket unblocks the read loop, which detaches the peer.
			p.queue.Close()
			_ = p.conn.Close()
			return
		}
	}
}

func (p *wsPeer) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame and tears the connection down. Only the first
// call has any effect.
func (p *wsPeer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.queue.Close()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = p.conn.Close()
	})
}

func newPeerID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate peer id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
