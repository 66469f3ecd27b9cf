// Package transport carries JSON-RPC envelopes between a client and a
// server process over interchangeable channel bindings.
//
// # Overview
//
// Every binding implements the Channel interface: Start acquires the
// physical resource, Send writes one envelope, Recv yields inbound items in
// receipt order, and Close releases everything. A channel moves through
// new, open and closed; closed is terminal and Err reports why.
//
// # Available Bindings
//
//   - StreamChannel: newline-framed envelopes over any reader and writer
//     (the stdio server uses its own stdin/stdout)
//   - StdioChannel: a spawned subprocess, framed like StreamChannel
//   - SocketChannel: one envelope per WebSocket text frame
//   - SSEClientChannel: an event stream for inbound envelopes plus one HTTP
//     POST per outbound envelope
//   - SessionRouter: the server side of SSE, one session channel per
//     subscribed stream
//
// ForTarget picks a client binding from an address.
//
// # Usage
//
//	_, ch, err := transport.ForTarget("http://localhost:3001/sse", nil, transport.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	if err := ch.Start(ctx); err != nil {
//	    return err
//	}
//	defer ch.Close()
//
//	msg, _ := transport.NewMessage(request)
//	ch.Send(ctx, msg)
//
//	for in := range ch.Recv() {
//	    if in.Err != nil {
//	        continue // FRAMING; the channel stays open
//	    }
//	    handle(in.Message)
//	}
//
// # Design Decisions
//
//   - Channel-based API: Go-idiomatic for concurrent use
//   - One writer goroutine per stream and socket channel keeps sends FIFO
//   - Data that is not an envelope is reported on Recv, not fatal
//   - Reconnection: the caller creates a fresh channel
//
// # Thread Safety
//
// All channel methods are safe for concurrent use. The Recv channel is
// closed after the last item once the channel closes.
package transport
