// Package signaling is the rendezvous core: a registry of attached peers, an
// engine that correlates HTTP offers with answers arriving over WebSocket, and
// the HTTP/WebSocket handlers in front of them.
//
// Messages other than correlated answers are opaque. The server reads their
// "type" and "id" members to route them and forwards the original bytes.
package signaling
