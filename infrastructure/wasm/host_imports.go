//go:build wasip1

package wasm

import (
	"sync"

	"github.com/reglet-dev/bridge/internal/abi"
)

//go:wasmimport bridge post_message
//nolint:revive // snake_case matches the wasm import name
func hostPostMessage(packed uint64) uint32

var (
	defaultOnce     sync.Once
	defaultEndpoint *Endpoint
)

// Default returns the module's endpoint. The host decides the real address
// and origin; the values here only label local logs.
func Default() *Endpoint {
	defaultOnce.Do(func() {
		defaultEndpoint = NewEndpoint("wasm", "", func(data []byte) uint32 {
			packed := abi.PtrFromBytes(data)
			defer abi.DeallocatePacked(packed)
			return hostPostMessage(packed)
		})
	})
	return defaultEndpoint
}

//go:wasmexport on_message
func onMessage(packed uint64) {
	// Inbound noise is dropped like on any other transport.
	_ = Default().Receive(abi.BytesFromPtr(packed))
}
