// Package guest is the guest-side facade of the bridge.
//
// A Client lives inside one isolated guest context. It waits for the host's
// metadata handshake, then offers two primitives to application logic:
// Request for one-shot exchanges bounded by a timeout, and OpenStream for
// cancellable subscriptions. Sending before the handshake fails fast with a
// NotReadyError; nothing is ever queued.
//
//	client := guest.NewClient(endpoint, guest.WithParent("host"))
//	defer client.Close()
//
//	meta, err := client.WaitReady(ctx)
//	if err != nil {
//	    return err
//	}
//
//	msg, err := guest.Call[entities.Message](ctx, client, "fetch-message", nil)
package guest
