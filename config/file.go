package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentwire/errors"
)

// fileConfig mirrors the file layout. Durations are Go duration strings.
type fileConfig struct {
	Log       logSection       `toml:"log" yaml:"log"`
	Stdio     stdioSection     `toml:"stdio" yaml:"stdio"`
	SSE       sseSection       `toml:"sse" yaml:"sse"`
	Socket    socketSection    `toml:"socket" yaml:"socket"`
	Telemetry telemetrySection `toml:"telemetry" yaml:"telemetry"`
}

type logSection struct {
	Level string `toml:"level" yaml:"level"`
}

type stdioSection struct {
	GracePeriod     string `toml:"grace_period" yaml:"grace_period"`
	MaxMessageBytes int    `toml:"max_message_bytes" yaml:"max_message_bytes"`
}

type sseSection struct {
	StreamPath        string `toml:"stream_path" yaml:"stream_path"`
	MessagePath       string `toml:"message_path" yaml:"message_path"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	HandshakeTimeout  string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	MaxBodyBytes      int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

type socketSection struct {
	Path             string `toml:"path" yaml:"path"`
	HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	PingInterval     string `toml:"ping_interval" yaml:"ping_interval"`
}

type telemetrySection struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	Protocol    string `toml:"protocol" yaml:"protocol"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
}

// definedFunc reports whether section.key was present in the file.
type definedFunc func(section, key string) bool

func decodeTOML(path string, raw *fileConfig) (definedFunc, error) {
	meta, err := toml.DecodeFile(path, raw)
	if err != nil {
		return nil, errors.InvalidInput("parse "+path, errors.WithCause(err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.InvalidInput("unknown key " + undecoded[0].String() + " in " + path)
	}
	return func(section, key string) bool {
		return meta.IsDefined(section, key)
	}, nil
}

func decodeYAML(path string, raw *fileConfig) (definedFunc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InvalidInput("read "+path, errors.WithCause(err))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && err != io.EOF {
		return nil, errors.InvalidInput("parse "+path, errors.WithCause(err))
	}

	var present map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, errors.InvalidInput("parse "+path, errors.WithCause(err))
	}
	return func(section, key string) bool {
		_, ok := present[section][key]
		return ok
	}, nil
}

// apply copies every key present in the file onto cfg.
func (f *fileConfig) apply(cfg *Config, set definedFunc) error {
	if set("log", "level") {
		cfg.Log.Level = strings.TrimSpace(f.Log.Level)
	}

	if err := parseDuration(set, "stdio", "grace_period", f.Stdio.GracePeriod, &cfg.Stdio.GracePeriod); err != nil {
		return err
	}
	if set("stdio", "max_message_bytes") {
		cfg.Stdio.MaxMessageBytes = f.Stdio.MaxMessageBytes
	}

	if set("sse", "stream_path") {
		cfg.SSE.StreamPath = strings.TrimSpace(f.SSE.StreamPath)
	}
	if set("sse", "message_path") {
		cfg.SSE.MessagePath = strings.TrimSpace(f.SSE.MessagePath)
	}
	if err := parseDuration(set, "sse", "heartbeat_interval", f.SSE.HeartbeatInterval, &cfg.SSE.HeartbeatInterval); err != nil {
		return err
	}
	if err := parseDuration(set, "sse", "handshake_timeout", f.SSE.HandshakeTimeout, &cfg.SSE.HandshakeTimeout); err != nil {
		return err
	}
	if set("sse", "max_body_bytes") {
		cfg.SSE.MaxBodyBytes = f.SSE.MaxBodyBytes
	}

	if set("socket", "path") {
		cfg.Socket.Path = strings.TrimSpace(f.Socket.Path)
	}
	if err := parseDuration(set, "socket", "handshake_timeout", f.Socket.HandshakeTimeout, &cfg.Socket.HandshakeTimeout); err != nil {
		return err
	}
	if err := parseDuration(set, "socket", "ping_interval", f.Socket.PingInterval, &cfg.Socket.PingInterval); err != nil {
		return err
	}

	if set("telemetry", "enabled") {
		cfg.Telemetry.Enabled = f.Telemetry.Enabled
	}
	if set("telemetry", "endpoint") {
		cfg.Telemetry.Endpoint = strings.TrimSpace(f.Telemetry.Endpoint)
	}
	if set("telemetry", "protocol") {
		cfg.Telemetry.Protocol = strings.ToLower(strings.TrimSpace(f.Telemetry.Protocol))
	}
	if set("telemetry", "insecure") {
		cfg.Telemetry.Insecure = f.Telemetry.Insecure
	}
	if set("telemetry", "service_name") {
		cfg.Telemetry.ServiceName = strings.TrimSpace(f.Telemetry.ServiceName)
	}
	return nil
}

func parseDuration(set definedFunc, section, key, raw string, dst *time.Duration) error {
	if !set(section, key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.InvalidInput(section+"."+key+": invalid duration", errors.WithCause(err))
	}
	*dst = d
	return nil
}
