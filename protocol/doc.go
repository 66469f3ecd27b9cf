// Package protocol implements the JSON-RPC 2.0 engine that runs over a
// transport.Channel.
//
// An Engine owns one channel. Run reads inbound envelopes, matches
// responses to pending calls by ID, and hands requests to a Handler.
// Client adds the initialize handshake; Server answers it and ping.
//
//	ch := transport.NewStreamChannel(os.Stdin, os.Stdout, transport.DefaultStreamConfig())
//	ch.Start(ctx)
//	srv := protocol.NewServer(protocol.ServerConfig{Info: info})
//	srv.Serve(ctx, ch)
package protocol
