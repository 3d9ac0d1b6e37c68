package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const wsWriteWait = 5 * time.Second

// streamMessage is the subset of the relay envelope the answerer reads.
type streamMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	SDP  json.RawMessage `json:"sdp,omitempty"`
}

// Answerer attaches to a rendezvous server's WebSocket endpoint and answers
// every offer it is sent. Data channels opened by offerers echo messages back
// unless OnDataChannel is set.
type Answerer struct {
	// URL is the ws:// or wss:// peer endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string

	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Header        http.Header
	Dialer        *websocket.Dialer
	Logger        *slog.Logger

	// OnDataChannel replaces the default echo handler.
	OnDataChannel func(offerID string, dc *webrtc.DataChannel)
	// OnAnswered is called after an answer has been sent.
	OnAnswered func(offerID string, pc *webrtc.PeerConnection)

	writeMu sync.Mutex

	mu  sync.Mutex
	pcs map[*webrtc.PeerConnection]struct{}
}

// Run dials the stream and answers offers until ctx ends (returning nil) or
// the stream fails. Every PeerConnection it created is closed before it
// returns.
func (a *Answerer) Run(ctx context.Context) error {
	log := a.logger()
	dialer := a.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, a.URL, a.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", a.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", a.URL, err)
	}
	log.Info("attached to rendezvous stream", "url", a.URL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-runCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		<-stopped
		wg.Wait()
		a.closeAll()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rendezvous stream: %w", err)
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring undecodable message", "err", err)
			continue
		}
		if msg.Type != "offer" || msg.ID == "" {
			log.Debug("ignoring message", "type", msg.Type)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.answer(runCtx, conn, msg); err != nil {
				log.Warn("failed to answer offer", "exchange_id", msg.ID, "err", err)
			}
		}()
	}
}

func (a *Answerer) answer(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	log := a.logger().With("exchange_id", msg.ID)

	offer, err := decodeDescription(msg.SDP, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	api := a.API
	if api == nil {
		api = NewAPI(APIConfig{Logger: a.logger()})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: a.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	a.track(pc)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if a.untrack(pc) {
				go func() { _ = pc.Close() }()
			}
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info("data channel opened by offerer", "label", dc.Label())
		if a.OnDataChannel != nil {
			a.OnDataChannel(msg.ID, dc)
			return
		}
		echo(dc)
	})

	local, err := negotiateAnswer(ctx, pc, offer, gatherTimeout(a.GatherTimeout))
	if err != nil {
		a.untrack(pc)
		_ = pc.Close()
		return err
	}

	out, err := json.Marshal(streamMessage{Type: "answer", ID: msg.ID, SDP: encodeDescription(local)})
	if err != nil {
		a.untrack(pc)
		_ = pc.Close()
		return err
	}
	if err := a.write(conn, out); err != nil {
		a.untrack(pc)
		_ = pc.Close()
		return fmt.Errorf("send answer: %w", err)
	}
	log.Info("answered offer")
	if a.OnAnswered != nil {
		a.OnAnswered(msg.ID, pc)
	}
	return nil
}

// negotiateAnswer applies offer, creates the answer and waits for gathering
// (bounded by timeout) so the returned description carries candidates.
func negotiateAnswer(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription, timeout time.Duration) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return waitGathered(ctx, pc, gatherComplete, timeout)
}

func waitGathered(ctx context.Context, pc *webrtc.PeerConnection, gatherComplete <-chan struct{}, timeout time.Duration) (webrtc.SessionDescription, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("missing local description")
	}
	return *local, nil
}

func echo(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			_ = dc.SendText(string(msg.Data))
			return
		}
		_ = dc.Send(msg.Data)
	})
}

func (a *Answerer) write(conn *websocket.Conn, msg []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (a *Answerer) track(pc *webrtc.PeerConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pcs == nil {
		a.pcs = make(map[*webrtc.PeerConnection]struct{})
	}
	a.pcs[pc] = struct{}{}
}

func (a *Answerer) untrack(pc *webrtc.PeerConnection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pcs[pc]; !ok {
		return false
	}
	delete(a.pcs, pc)
	return true
}

// Connections reports how many PeerConnections are currently live.
func (a *Answerer) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pcs)
}

func (a *Answerer) closeAll() {
	a.mu.Lock()
	pcs := a.pcs
	a.pcs = nil
	a.mu.Unlock()
	for pc := range pcs {
		_ = pc.Close()
	}
}

func (a *Answerer) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
