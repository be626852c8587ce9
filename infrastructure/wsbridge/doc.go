// Package wsbridge carries bridge messages over websockets
// (golang.org/x/net/websocket), so guests running in another process or a
// browser can reach the host.
//
// The host side is a Server: an http.Handler and a ports.Endpoint addressed
// by its own name. A guest connects with ?guest=<address>; the websocket
// Origin header becomes the guest's trust origin. The guest side is a Conn
// returned by Dial, which is a ports.Endpoint whose only peer is the server.
//
// Each websocket message is one JSON frame carrying the payload and, from
// guest to host, the target origin the guest asked for. The server applies
// postMessage-style origin checks in both directions.
package wsbridge
