package peer

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecodeDescription(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    webrtc.SDPType
		wantSDP string
		wantErr bool
	}{
		{name: "bare string", raw: `"v=0"`, want: webrtc.SDPTypeOffer, wantSDP: "v=0"},
		{name: "object", raw: `{"type":"answer","sdp":"v=0"}`, want: webrtc.SDPTypeAnswer, wantSDP: "v=0"},
		{name: "object without type", raw: `{"sdp":"v=0"}`, want: webrtc.SDPTypeAnswer, wantSDP: "v=0"},
		{name: "type mismatch", raw: `{"type":"offer","sdp":"v=0"}`, want: webrtc.SDPTypeAnswer, wantErr: true},
		{name: "empty string", raw: `""`, want: webrtc.SDPTypeOffer, wantErr: true},
		{name: "empty object", raw: `{}`, want: webrtc.SDPTypeOffer, wantErr: true},
		{name: "null", raw: `null`, want: webrtc.SDPTypeOffer, wantErr: true},
		{name: "number", raw: `7`, want: webrtc.SDPTypeOffer, wantErr: true},
		{name: "missing", raw: ``, want: webrtc.SDPTypeOffer, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeDescription(json.RawMessage(tc.raw), tc.want)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeDescription: %v", err)
			}
			if got.Type != tc.want || got.SDP != tc.wantSDP {
				t.Fatalf("got=%+v, want type=%v sdp=%q", got, tc.want, tc.wantSDP)
			}
		})
	}
}

func TestEncodeDescriptionUsesBrowserShape(t *testing.T) {
	raw := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "answer" || got["sdp"] != "v=0\r\n" {
		t.Fatalf("got=%v", got)
	}

	back, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil || back.SDP != "v=0\r\n" {
		t.Fatalf("decode back: %+v err=%v", back, err)
	}
}
