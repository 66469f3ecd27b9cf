// Package shutdown coordinates graceful shutdown of the agentwire server.
//
// Handlers register with a phase; lower phases run first and handlers in
// the same phase run concurrently. The agentwire server uses three phases:
//
//   - PhaseListeners (10): stop the HTTP server and the SSE session router;
//     event streams are in-flight requests, so they end with the listener
//   - PhaseSessions (20): close socket and stdio channels
//   - PhaseTelemetry (30): flush and shut down the span exporter
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGTERM, SIGINT
//	coord.RegisterWithPhase("http", shutdown.HTTPServer(srv), shutdown.PhaseListeners)
//	coord.RegisterWithPhase("sse-router", shutdown.Closer(router), shutdown.PhaseListeners)
//	<-coord.Done()
//
// Handlers receive a context that is cancelled when the shutdown timeout is
// reached and should return promptly after that.
package shutdown
