// Package host provides the host side of the bridge.
//
// A Router owns one transport endpoint and serves the operations of a
// hostfuncs.HandlerRegistry to any number of guest contexts. It pushes the
// metadata handshake to each guest on Attach, answers one-shot requests with
// a response envelope, drives stream productions until they finish or the
// guest cancels them, and replies to failures with error frames.
package host
