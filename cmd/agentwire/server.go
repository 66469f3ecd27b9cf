package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/protocol"
	"github.com/vinayprograms/agentwire/shutdown"
	"github.com/vinayprograms/agentwire/transport"
)

// runServer serves on stdio when no port is given, otherwise over HTTP.
func (a *app) runServer(args []string) int {
	if len(args) == 0 {
		if err := a.serveStdio(); err != nil {
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(a.stderr, "Error: invalid port %q\n", args[0])
		return 1
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	if err := a.serveHTTP(ln); err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) protocolServer() *protocol.Server {
	return protocol.NewServer(protocol.ServerConfig{
		Info:   protocol.Implementation{Name: "agentwire", Version: version},
		Logger: a.log,
	})
}

// serveStdio answers one client on the process's own stdin and stdout.
// The client hanging up is a normal exit.
func (a *app) serveStdio() error {
	ch := transport.NewStreamChannel(a.stdin, a.stdout, transport.StreamConfig{
		Config:          a.baseConfig(),
		MaxMessageBytes: a.cfg.Stdio.MaxMessageBytes,
	})
	a.coord.RegisterWithPhase("stdio", shutdown.Closer(ch), shutdown.PhaseSessions)
	if handleSignals {
		a.coord.HandleSignals()
	}

	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stderr, "Server running on stdio")

	err := a.protocolServer().Serve(ctx, ch)
	a.coord.ShutdownWithTimeout(0)
	a.logStopped()
	if err != nil && !errors.Is(err, errors.ErrCodeTransport) {
		return err
	}
	if err != nil {
		a.log.Debug("stdio_client_gone", map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

// serveHTTP runs the SSE and socket endpoints on ln until shutdown.
func (a *app) serveHTTP(ln net.Listener) error {
	mux, router, live := a.newMux()
	srv := &http.Server{Handler: mux}

	a.coord.RegisterWithPhase("sse-router", shutdown.Closer(router), shutdown.PhaseListeners)
	a.coord.RegisterWithPhase("http-server", shutdown.HTTPServer(srv), shutdown.PhaseListeners)
	a.coord.RegisterFuncWithPhase("socket-sessions", live.closeAll, shutdown.PhaseSessions)
	if handleSignals {
		a.coord.HandleSignals()
	}

	port := ln.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(a.stderr, "Server running on http://localhost:%d%s\n", port, a.cfg.SSE.StreamPath)
	a.log.Info("http_listening", map[string]interface{}{
		"addr":        ln.Addr().String(),
		"sse":         a.cfg.SSE.StreamPath,
		"message":     a.cfg.SSE.MessagePath,
		"socket":      a.cfg.Socket.Path,
		"heartbeat":   a.cfg.SSE.HeartbeatInterval.String(),
		"body_limit":  a.cfg.SSE.MaxBodyBytes,
		"ping_period": a.cfg.Socket.PingInterval.String(),
	})

	served := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		served <- err
		if err != nil {
			go a.coord.ShutdownWithTimeout(0)
		}
	}()

	<-a.coord.Done()
	a.logStopped()
	if err := <-served; err != nil {
		return err
	}
	if res := a.coord.Result(); res != nil && res.Err != nil {
		return res.Err
	}
	return nil
}

// logStopped records how the server came down.
func (a *app) logStopped() {
	fields := map[string]interface{}{}
	if sig := a.coord.Signal(); sig != nil {
		fields["signal"] = sig.String()
	}
	if res := a.coord.Result(); res != nil {
		fields["duration"] = res.TotalDuration.String()
	}
	a.log.Info("server_stopped", fields)
}

// newMux mounts the stream, message and socket endpoints, each backed by a
// protocol server per connection.
func (a *app) newMux() (*http.ServeMux, *transport.SessionRouter, *liveChannels) {
	server := a.protocolServer()
	live := newLiveChannels()

	router := transport.NewSessionRouter(transport.RouterConfig{
		Config:            a.baseConfig(),
		MessagePath:       a.cfg.SSE.MessagePath,
		HeartbeatInterval: a.cfg.SSE.HeartbeatInterval,
		MaxBodyBytes:      a.cfg.SSE.MaxBodyBytes,
		OnSession: func(ctx context.Context, ch transport.Channel) {
			server.Serve(ctx, ch)
		},
	})

	sockCfg := transport.DefaultSocketConfig()
	sockCfg.Config = a.baseConfig()
	sockCfg.PingInterval = a.cfg.Socket.PingInterval
	sockCfg.MaxMessageBytes = int64(a.cfg.Stdio.MaxMessageBytes)
	upgrader := transport.NewSocketUpgrader()
	upgrader.HandshakeTimeout = a.cfg.Socket.HandshakeTimeout

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.cfg.SSE.StreamPath, router.HandleSSE)
	mux.HandleFunc("POST "+a.cfg.SSE.MessagePath, router.HandleMessage)
	mux.HandleFunc("GET "+a.cfg.Socket.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.log.Warn("socket_upgrade_failed", map[string]interface{}{"error": err.Error()})
			return
		}
		ch := transport.AcceptSocket(conn, sockCfg)
		ctx := context.WithoutCancel(r.Context())
		if err := ch.Start(ctx); err != nil {
			a.log.Warn("socket_start_failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if !live.add(ch) {
			ch.Close()
			return
		}
		defer live.remove(ch)
		server.Serve(ctx, ch)
	})
	return mux, router, live
}

// liveChannels tracks accepted socket channels so shutdown can close them.
// Hijacked connections are invisible to http.Server.Shutdown.
type liveChannels struct {
	mu     sync.Mutex
	chans  map[transport.Channel]struct{}
	closed bool
}

func newLiveChannels() *liveChannels {
	return &liveChannels{chans: make(map[transport.Channel]struct{})}
}

func (l *liveChannels) add(ch transport.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.chans[ch] = struct{}{}
	return true
}

func (l *liveChannels) remove(ch transport.Channel) {
	l.mu.Lock()
	delete(l.chans, ch)
	l.mu.Unlock()
}

func (l *liveChannels) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chans)
}

func (l *liveChannels) closeAll(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	chans := make([]transport.Channel, 0, len(l.chans))
	for ch := range l.chans {
		chans = append(chans, ch)
	}
	l.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	return ctx.Err()
}
