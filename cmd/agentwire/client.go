package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/agentwire/protocol"
	"github.com/vinayprograms/agentwire/transport"
)

// runClient connects to address, performs the handshake and disconnects.
func (a *app) runClient(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "Usage: client <server_url_or_command> [args...]")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.flushTelemetry()

	kind, ch, err := transport.ForTarget(args[0], args[1:], a.transportOptions())
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	a.log.Debug("client_connecting", map[string]interface{}{"kind": string(kind), "target": args[0]})

	if err := ch.Start(ctx); err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(a.stdout, "Connected to server.")

	client := protocol.NewClient(ch, protocol.ClientConfig{
		EngineConfig: protocol.EngineConfig{Logger: a.log},
		Info:         protocol.Implementation{Name: "agentwire", Version: version},
	})
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	result, err := client.Initialize(ctx)
	if err != nil {
		client.Close()
		<-done
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	a.log.Info("server_info", map[string]interface{}{
		"name":             result.ServerInfo.Name,
		"version":          result.ServerInfo.Version,
		"protocol_version": result.ProtocolVersion,
	})
	fmt.Fprintln(a.stdout, "Initialized.")

	client.Close()
	<-done
	fmt.Fprintln(a.stdout, "Closed.")
	return 0
}

func (a *app) flushTelemetry() {
	if a.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.provider.Shutdown(ctx); err != nil {
		a.log.Warn("telemetry_flush_failed", map[string]interface{}{"error": err.Error()})
	}
}
