package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	MessageTypeOffer  = "offer"
	MessageTypeAnswer = "answer"
)

// ValidationError reports an inbound message that cannot be routed. It is
// returned to HTTP callers as 400 and logged-and-dropped on the stream.
type ValidationError struct {
	// Field names the offending member, or is empty when the message as a
	// whole is unusable.
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// envelope holds the routing members of an inbound message. Everything else
// in the message is opaque to the server.
type envelope struct {
	Type  string
	ID    string
	HasID bool
	// SDP is the raw description value exactly as received. It may be a bare
	// SDP string or a {type,sdp} description object.
	SDP json.RawMessage
}

// parseEnvelope extracts the routing members from a JSON object. A message
// must have a non-empty string "type"; "id", when present and not null, must
// be a string.
func parseEnvelope(data []byte) (envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return envelope{}, &ValidationError{Msg: fmt.Sprintf("invalid JSON object: %v", err)}
	}
	if fields == nil {
		return envelope{}, &ValidationError{Msg: "message must be a JSON object"}
	}

	var env envelope
	rawType, ok := fields["type"]
	if !ok || isNull(rawType) {
		return envelope{}, &ValidationError{Field: "type", Msg: "missing"}
	}
	if err := json.Unmarshal(rawType, &env.Type); err != nil {
		return envelope{}, &ValidationError{Field: "type", Msg: "must be a string"}
	}
	if env.Type == "" {
		return envelope{}, &ValidationError{Field: "type", Msg: "missing"}
	}

	if rawID, ok := fields["id"]; ok && !isNull(rawID) {
		if err := json.Unmarshal(rawID, &env.ID); err != nil {
			return envelope{}, &ValidationError{Field: "id", Msg: "must be a string"}
		}
		env.HasID = true
	}

	if rawSDP, ok := fields["sdp"]; ok && !isNull(rawSDP) {
		env.SDP = rawSDP
	}
	return env, nil
}

// requireSDP checks that a description value is present and not an empty
// string or object.
func requireSDP(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, isNull(trimmed):
		return &ValidationError{Field: "sdp", Msg: "missing"}
	case bytes.Equal(trimmed, []byte(`""`)), bytes.Equal(trimmed, []byte(`{}`)):
		return &ValidationError{Field: "sdp", Msg: "empty"}
	}
	return nil
}

// validateDescription parses the SDP carried by raw with pion. raw is either a
// JSON string holding SDP text or a {type,sdp} object whose type, when set,
// must equal want.
func validateDescription(raw json.RawMessage, want webrtc.SDPType) error {
	desc := webrtc.SessionDescription{Type: want}

	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '"':
		if err := json.Unmarshal(trimmed, &desc.SDP); err != nil {
			return &ValidationError{Field: "sdp", Msg: "must be a string or description object"}
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var wire struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return &ValidationError{Field: "sdp", Msg: "must be a string or description object"}
		}
		if wire.Type != "" && webrtc.NewSDPType(wire.Type) != want {
			return &ValidationError{Field: "sdp.type", Msg: fmt.Sprintf("must be %q", want.String())}
		}
		desc.SDP = wire.SDP
	default:
		return &ValidationError{Field: "sdp", Msg: "must be a string or description object"}
	}

	if _, err := desc.Unmarshal(); err != nil {
		return &ValidationError{Field: "sdp", Msg: fmt.Sprintf("invalid session description: %v", err)}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// offerMessage is pushed to every registered peer for an offer submitted over
// HTTP.
type offerMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	SDP  json.RawMessage `json:"sdp"`
}

type offerResponse struct {
	SDP json.RawMessage `json:"sdp"`
}

type errorResponse struct {
	Error string `json:"error"`
}
