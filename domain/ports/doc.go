// Package ports defines the interfaces the bridge consumes from its host platform.
// Protocol code depends on these abstractions; infrastructure adapters
// (in-memory bus, websocket, wazero) implement them.
package ports
