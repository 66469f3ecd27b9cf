// Command agentwire connects to or serves the protocol over stdio, SSE or
// a socket.
//
// Usage:
//
//	agentwire [-config path] client <server_url_or_command> [args...]
//	agentwire [-config path] server [port]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vinayprograms/agentwire/config"
	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/shutdown"
	"github.com/vinayprograms/agentwire/telemetry"
	"github.com/vinayprograms/agentwire/transport"
)

const version = "0.1.0"

// handleSignals is cleared by tests so servers only stop when told to.
var handleSignals = true

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	coord    *shutdown.Coordinator
	provider *telemetry.Provider
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agentwire", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to agentwire.toml or agentwire.yaml")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return 1
	}

	cfg, path, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	a := newApp(cfg, stdin, stdout, stderr)
	if path != "" {
		a.log.Debug("config_loaded", map[string]interface{}{"path": path})
	}
	if err := a.initTelemetry(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rest := fs.Args()
	switch rest[0] {
	case "client":
		return a.runClient(rest[1:])
	case "server":
		return a.runServer(rest[1:])
	default:
		fmt.Fprintf(stderr, "Unrecognized command: %s\n", rest[0])
		return 1
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  agentwire [-config path] client <server_url_or_command> [args...]")
	fmt.Fprintln(w, "  agentwire [-config path] server [port]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

func newApp(cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) *app {
	log := logging.New()
	log.SetOutput(stderr)
	if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
		log.SetLevel(lvl)
	}
	logging.ApplyEnv(log)

	return &app{
		cfg:    cfg,
		log:    log,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		coord: shutdown.NewCoordinator(shutdown.Config{
			DefaultTimeout:  10 * time.Second,
			ContinueOnError: true,
			Logger:          log,
		}),
	}
}

// initTelemetry installs the OTLP provider when the config enables it and
// registers its flush as the last shutdown phase.
func (a *app) initTelemetry(ctx context.Context) error {
	t := a.cfg.Telemetry
	if !t.Enabled {
		return nil
	}
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.provider = provider
	a.coord.RegisterFuncWithPhase("telemetry", provider.Shutdown, shutdown.PhaseTelemetry)
	a.log.Info("telemetry_enabled", map[string]interface{}{
		"protocol": t.Protocol,
		"endpoint": t.Endpoint,
	})
	return nil
}

// baseConfig is the transport config every channel shares.
func (a *app) baseConfig() transport.Config {
	c := transport.DefaultConfig()
	c.Logger = a.log
	if a.provider != nil {
		c.Tracer = a.provider.Tracer()
	}
	return c
}

// transportOptions maps the file config onto the client bindings.
func (a *app) transportOptions() transport.Options {
	base := a.baseConfig()
	opts := transport.DefaultOptions()

	opts.Stdio.Config = base
	opts.Stdio.MaxMessageBytes = a.cfg.Stdio.MaxMessageBytes
	opts.Stdio.GracePeriod = a.cfg.Stdio.GracePeriod

	opts.SSE.Config = base
	opts.SSE.HandshakeTimeout = a.cfg.SSE.HandshakeTimeout
	opts.SSE.MaxMessageBytes = a.cfg.Stdio.MaxMessageBytes

	opts.Socket.Config = base
	opts.Socket.HandshakeTimeout = a.cfg.Socket.HandshakeTimeout
	opts.Socket.PingInterval = a.cfg.Socket.PingInterval
	opts.Socket.MaxMessageBytes = int64(a.cfg.Stdio.MaxMessageBytes)
	return opts
}
