// Package origin decides which browser origins may talk to the rendezvous
// server.
//
// The same policy guards the HTTP offer endpoint (CORS) and the WebSocket
// upgrade (CheckOrigin), so a page that can submit offers can also attach as
// a peer and vice versa.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// removed) and the host[:port] portion for same-host comparisons. The special
// Origin value "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// A non-empty allowedOrigins list is matched exactly ("*" matches anything).
// Otherwise only the request's own host[:port] is allowed. The scheme is not
// compared because a TLS-terminating proxy may forward HTTPS pages as plain
// HTTP requests.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" never matches a host.
		return false
	}

	reqHost, ok := canonicalHost(scheme, strings.TrimSpace(requestHost))
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Policy is an allow-list evaluated against incoming requests.
type Policy struct {
	// Allowed holds normalized origins or "*". Empty means same-host only.
	Allowed []string
}

// Check evaluates r's Origin header. Requests without an Origin header (non
// browser clients, same-origin navigations) are allowed and return an empty
// origin. Requests carrying several Origin headers are rejected.
func (p Policy) Check(r *http.Request) (normalizedOrigin string, allowed bool) {
	values := r.Header.Values("Origin")
	if len(values) == 0 || (len(values) == 1 && strings.TrimSpace(values[0]) == "") {
		return "", true
	}
	if len(values) > 1 {
		return "", false
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return "", false
	}
	return normalized, IsAllowed(normalized, host, r.Host, p.Allowed)
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// Wrap applies the policy to an HTTP handler: disallowed origins get 403,
// allowed cross-origin requests get CORS response headers, and every OPTIONS
// request (preflight or not) is answered directly with 204.
func (p Policy) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalized, ok := p.Check(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h := w.Header()
		if normalized == "" {
			if r.Method == http.MethodOptions {
				// Not a CORS preflight; OPTIONS never reaches the wrapped handler.
				writeOptions(w)
				return
			}
			next(w, r)
			return
		}

		h.Set("Access-Control-Allow-Origin", normalized)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method == http.MethodOptions {
			writeOptions(w)
			return
		}
		next(w, r)
	}
}

func writeOptions(w http.ResponseWriter) {
	w.Header().Set("Allow", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

// canonicalHost lower-cases the hostname, brackets IPv6 literals and drops
// the scheme's default port.
func canonicalHost(scheme, rawHost string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 hostnames are returned
// without brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := rawHost[1:end], rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ := strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authorities.
		return "", "", false
	}
}
