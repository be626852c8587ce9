// Package wazero connects WebAssembly guest modules to the bridge.
//
// Each instantiated guest module is bound to a ports.Endpoint, so a wasm
// guest takes part in the message exchange exactly like any other guest
// context. The host module (default name "bridge") exports:
//
//   - post_message(i64) -> i32: the guest sends an abi.Outbound payload,
//     passed as a packed pointer+length into guest memory
//   - log_message(i64): the guest forwards a slog record (log.LogMessageWire)
//
// The guest must export:
//
//   - allocate(i32) -> i32: reserves guest memory for inbound payloads
//   - on_message(i64): receives an abi.Inbound payload
//
// # Basic Usage
//
//	runtime := wazero.NewRuntime(ctx)
//	host, err := bridgewazero.NewHost(ctx, runtime, bridgewazero.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	mod, err := runtime.InstantiateWithConfig(ctx, wasmBytes, wazero.NewModuleConfig().WithName("app1"))
//	if err != nil {
//	    return err
//	}
//	ep, _ := bus.Endpoint("app1", "https://app1.test")
//	guest, err := host.Connect(mod, ep)
//
// # Direct Calls
//
// WithOperations additionally exports every unary operation of a
// hostfuncs.HandlerRegistry as a synchronous host function taking and
// returning packed JSON, for guests that do not need the message exchange.
package wazero
