// Package abi defines the contract between the wazero host adapter and wasm
// guests: export names, the packed pointer format, and the JSON payloads
// crossing the boundary.
package abi

import "fmt"

// Names of the host module and the functions on each side of the boundary.
const (
	// HostModule is the import module guests link against.
	HostModule = "bridge"

	// PostMessage is the host function a guest calls to send a message.
	PostMessage = "post_message"
	// LogMessage is the host function a guest calls to forward a log record.
	LogMessage = "log_message"

	// Allocate is the guest export the host uses to reserve guest memory.
	Allocate = "allocate"
	// OnMessage is the guest export receiving inbound messages.
	OnMessage = "on_message"
)

// Status codes returned by PostMessage.
const (
	StatusOK       uint32 = 0
	StatusInvalid  uint32 = 1
	StatusRejected uint32 = 2
)

// PtrHighBits is the shift of the pointer within a packed value.
const PtrHighBits = 32

// Outbound is the PostMessage payload.
type Outbound struct {
	Target       string `json:"target"`
	TargetOrigin string `json:"targetOrigin"`
	Data         []byte `json:"data"`
}

// Inbound is the OnMessage payload.
type Inbound struct {
	Data   []byte `json:"data"`
	Origin string `json:"origin"`
	Source string `json:"source"`
}

// PackPtrLen packs a pointer and length into a single uint64.
// Pointer is stored in the high 32 bits, length in the low 32 bits.
func PackPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << PtrHighBits) | uint64(length)
}

// UnpackPtrLen splits a packed value. A null pointer with a non-zero length
// is rejected.
func UnpackPtrLen(packed uint64) (ptr, length uint32, err error) {
	ptr = uint32(packed >> PtrHighBits) //nolint:gosec // G115: packed format stores 32-bit values
	length = uint32(packed)             //nolint:gosec // G115: packed format stores 32-bit values
	if ptr == 0 && length > 0 {
		return 0, 0, fmt.Errorf("abi: null pointer with non-zero length (%d)", length)
	}
	return ptr, length, nil
}
