//go:build wasip1

package log

import (
	"log/slog"

	"github.com/reglet-dev/bridge/internal/abi"
)

//go:wasmimport bridge log_message
//nolint:revive // snake_case matches the wasm import name
func hostLogMessage(packed uint64)

// NewHostHandler forwards records to the embedding host.
func NewHostHandler(opts ...HandlerOption) slog.Handler {
	return NewForwardingHandler(func(data []byte) {
		packed := abi.PtrFromBytes(data)
		hostLogMessage(packed)
		abi.DeallocatePacked(packed)
	}, opts...)
}
