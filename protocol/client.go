package protocol

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/transport"
)

// ProtocolVersion is the version offered in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// Methods used by the handshake.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodCancelled   = "notifications/cancelled"
)

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the parameters for the "initialize" method.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      Implementation         `json:"clientInfo"`
}

// InitializeResult is the result of the "initialize" method.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      Implementation         `json:"serverInfo"`
	Instructions    string                 `json:"instructions,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	EngineConfig

	// Info is sent as clientInfo.
	Info Implementation
}

// Client is the controlling side of a connection.
type Client struct {
	*Engine
	info Implementation

	server *InitializeResult
}

// NewClient creates a client over a started channel. Run the embedded
// engine before calling Initialize.
func NewClient(ch transport.Channel, cfg ClientConfig) *Client {
	return &Client{
		Engine: NewEngine(ch, cfg.EngineConfig),
		info:   cfg.Info,
	}
}

// Initialize performs the initialization handshake: the initialize
// request, then the initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var result InitializeResult
	err := c.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return nil, errors.Wrap(err, "initialize failed")
	}
	if result.ProtocolVersion == "" {
		return nil, errors.Framing("initialize result has no protocol version")
	}

	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, errors.Wrap(err, "initialized notification")
	}

	c.server = &result
	c.log.Info("initialized", map[string]interface{}{
		"server":           result.ServerInfo.Name,
		"protocol_version": result.ProtocolVersion,
	})
	return &result, nil
}

// Server returns the server's initialize result, or nil before the
// handshake.
func (c *Client) Server() *InitializeResult {
	return c.server
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var result json.RawMessage
	return c.Call(ctx, MethodPing, nil, &result)
}
