package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// sessionDescription is the browser's RTCSessionDescriptionInit.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func encodeDescription(desc webrtc.SessionDescription) json.RawMessage {
	b, _ := json.Marshal(sessionDescription{Type: desc.Type.String(), SDP: desc.SDP})
	return b
}

// decodeDescription accepts either a bare SDP string or a {type, sdp} object.
// A present type must match want.
func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if len(raw) == 0 {
		return webrtc.SessionDescription{}, errors.New("missing sdp")
	}

	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		if bare == "" {
			return webrtc.SessionDescription{}, errors.New("empty sdp")
		}
		return webrtc.SessionDescription{Type: want, SDP: bare}, nil
	}

	var desc sessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	if desc.Type != "" {
		if got := webrtc.NewSDPType(desc.Type); got != want {
			return webrtc.SessionDescription{}, fmt.Errorf("session description type %q, want %q", desc.Type, want)
		}
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: want, SDP: desc.SDP}, nil
}
