package transport

import (
	"net/url"
	"strings"

	"github.com/vinayprograms/agentwire/errors"
)

// Options carries per-binding settings for ForTarget. The target fills in
// the URL or command; everything else is taken as given.
type Options struct {
	Stdio  StdioConfig
	Socket SocketConfig
	SSE    SSEConfig
}

// DefaultOptions returns options with every binding at its defaults.
func DefaultOptions() Options {
	return Options{
		Stdio:  DefaultStdioConfig(),
		Socket: DefaultSocketConfig(),
		SSE:    DefaultSSEConfig(),
	}
}

// ForTarget picks a binding for target: an http or https URL selects the
// SSE client, ws or wss the socket, and anything else is run as a command
// with args. The returned channel is not started.
func ForTarget(target string, args []string, opts Options) (Kind, Channel, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", nil, errors.Connection("empty target")
	}

	if u, err := url.Parse(target); err == nil && u.Host != "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			cfg := opts.SSE
			cfg.URL = target
			return KindSSE, NewSSEClientChannel(cfg), nil
		case "ws", "wss":
			cfg := opts.Socket
			cfg.URL = target
			return KindSocket, NewSocketChannel(cfg), nil
		}
	}

	cfg := opts.Stdio
	cfg.Command = target
	cfg.Args = args
	return KindStdio, NewStdioChannel(cfg), nil
}
