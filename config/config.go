// Package config loads agentwire settings from TOML or YAML files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
)

// FileName is the base name searched for in the standard locations.
const FileName = "agentwire.toml"

// Config holds every setting the CLI reads from a file.
type Config struct {
	Log       LogConfig
	Stdio     StdioConfig
	SSE       SSEConfig
	Socket    SocketConfig
	Telemetry TelemetryConfig
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level string
}

// StdioConfig is the [stdio] section.
type StdioConfig struct {
	GracePeriod     time.Duration
	MaxMessageBytes int
}

// SSEConfig is the [sse] section.
type SSEConfig struct {
	StreamPath        string
	MessagePath       string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	MaxBodyBytes      int64
}

// SocketConfig is the [socket] section.
type SocketConfig struct {
	Path             string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// TelemetryConfig is the [telemetry] section.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc", "http" or "file"
	Insecure    bool
	ServiceName string
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Stdio: StdioConfig{
			GracePeriod:     3 * time.Second,
			MaxMessageBytes: 10 * 1024 * 1024,
		},
		SSE: SSEConfig{
			StreamPath:        "/sse",
			MessagePath:       "/message",
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			MaxBodyBytes:      4 * 1024 * 1024,
		},
		Socket: SocketConfig{
			Path:             "/ws",
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "agentwire",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentwire", FileName))
	}
	return paths
}

// Load reads explicit if set, otherwise the first standard location that
// exists. With no file found it returns the defaults and an empty path.
func Load(explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := LoadFile(explicit)
		return cfg, explicit, err
	}
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads one file, choosing the format by extension, and validates
// the result. Keys absent from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	var (
		raw fileConfig
		set definedFunc
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		set, err = decodeTOML(path, &raw)
	case ".yaml", ".yml":
		set, err = decodeYAML(path, &raw)
	default:
		return nil, errors.InvalidInput("unsupported config format", errors.WithMetadata("path", path))
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := raw.apply(cfg, set); err != nil {
		return nil, errors.Wrap(err, "config "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config "+path)
	}
	return cfg, nil
}

// Validate rejects settings the transports cannot use.
func (c *Config) Validate() error {
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return errors.InvalidInput("log.level: unknown level " + c.Log.Level)
	}

	paths := map[string]string{
		"sse.stream_path":  c.SSE.StreamPath,
		"sse.message_path": c.SSE.MessagePath,
		"socket.path":      c.Socket.Path,
	}
	for key, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return errors.InvalidInput(key + ": must be an absolute path")
		}
	}
	if c.SSE.StreamPath == c.SSE.MessagePath || c.SSE.StreamPath == c.Socket.Path || c.SSE.MessagePath == c.Socket.Path {
		return errors.InvalidInput("sse and socket paths must differ")
	}

	durations := map[string]time.Duration{
		"stdio.grace_period":       c.Stdio.GracePeriod,
		"sse.heartbeat_interval":   c.SSE.HeartbeatInterval,
		"sse.handshake_timeout":    c.SSE.HandshakeTimeout,
		"socket.handshake_timeout": c.Socket.HandshakeTimeout,
		"socket.ping_interval":     c.Socket.PingInterval,
	}
	for key, d := range durations {
		if d < 0 {
			return errors.InvalidInput(key + ": must not be negative")
		}
	}

	if c.Stdio.MaxMessageBytes <= 0 {
		return errors.InvalidInput("stdio.max_message_bytes: must be positive")
	}
	if c.SSE.MaxBodyBytes <= 0 {
		return errors.InvalidInput("sse.max_body_bytes: must be positive")
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http", "file":
		default:
			return errors.InvalidInput("telemetry.protocol: must be grpc, http or file")
		}
	}
	return nil
}
