package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// The rendezvous server never gathers candidates itself. These servers are
// handed to browsers by GET /webrtc/ice and to the Go peer, so they are
// validated the way a browser's RTCPeerConnection would reject them.
const (
	envICEServersJSON = "AERO_RENDEZVOUS_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_RENDEZVOUS_STUN_URLS"
	envTurnURLs       = "AERO_RENDEZVOUS_TURN_URLS"
	envTurnUsername   = "AERO_RENDEZVOUS_TURN_USERNAME"
	envTurnCredential = "AERO_RENDEZVOUS_TURN_CREDENTIAL"
)

// ErrTURNCredentialsRequired is returned for a TURN URL without both a
// username and a credential. Browsers throw on such an entry, which would
// break every peer that fetched the list.
var ErrTURNCredentialsRequired = errors.New("turn urls need both a username and a credential")

// ICEServerURLs is the shorthand form of an ICE configuration: one STUN entry
// and one TURN entry sharing a single username/credential pair.
type ICEServerURLs struct {
	STUN           []string
	TURN           []string
	TURNUsername   string
	TURNCredential string
}

// URLListError reports which shorthand list ("stun" or "turn") held a bad URL.
type URLListError struct {
	List string
	Err  error
}

func (e *URLListError) Error() string { return e.List + ": " + e.Err.Error() }

func (e *URLListError) Unwrap() error { return e.Err }

// SplitURLList splits a comma-separated URL list, dropping blanks.
func SplitURLList(raw string) []string {
	return compact(strings.Split(raw, ","))
}

// Servers validates the URLs and returns the entries to advertise. A bad URL is
// reported as a *URLListError so callers can name their own flag or env var.
func (u ICEServerURLs) Servers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stunList := compact(u.STUN); len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := checkICEServer(server); err != nil {
			return nil, &URLListError{List: "stun", Err: err}
		}
		servers = append(servers, server)
	}

	if turnList := compact(u.TURN); len(turnList) > 0 {
		username := strings.TrimSpace(u.TURNUsername)
		credential := strings.TrimSpace(u.TURNCredential)
		if username == "" || credential == "" {
			return nil, ErrTURNCredentialsRequired
		}
		server := webrtc.ICEServer{URLs: turnList, Username: username, Credential: credential}
		if err := checkICEServer(server); err != nil {
			return nil, &URLListError{List: "turn", Err: err}
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer list, e.g.
// [{"urls":"stun:stun.example.com"},{"urls":["turn:t.example.com"],"username":"u","credential":"p"}].
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []rtcIceServer
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     compact(entry.URLs),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// iceServersFromEnv resolves the ICE configuration. The JSON form wins when
// set; otherwise the shorthand URL lists are used.
func iceServersFromEnv(iceServersJSON string, urls ICEServerURLs) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := urls.Servers()
	if err == nil {
		return servers, nil
	}
	var listErr *URLListError
	switch {
	case errors.As(err, &listErr) && listErr.List == "stun":
		return nil, fmt.Errorf("%s: %w", envStunURLs, listErr.Err)
	case errors.As(err, &listErr):
		return nil, fmt.Errorf("%s: %w", envTurnURLs, listErr.Err)
	default:
		return nil, fmt.Errorf("%s/%s: %w", envTurnUsername, envTurnCredential, err)
	}
}

// rtcIceServer mirrors the browser dictionary, where urls may be a single
// string or a list.
type rtcIceServer struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// checkICEServer parses every URL with pion's STUN URI parser and requires
// credentials on TURN entries.
func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("no urls")
	}

	needsCredentials := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("%q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsCredentials = true
		}
	}
	if !needsCredentials {
		return nil
	}

	if strings.TrimSpace(server.Username) == "" {
		return ErrTURNCredentialsRequired
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return ErrTURNCredentialsRequired
	}
	return nil
}
