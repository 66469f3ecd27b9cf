package protocol

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/telemetry"
	"github.com/vinayprograms/agentwire/transport"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Info is sent as serverInfo.
	Info Implementation

	// Capabilities advertised in the initialize result.
	Capabilities map[string]interface{}

	// Instructions is an optional hint for the client.
	Instructions string

	// Logger receives protocol events. Default: discard.
	Logger *logging.Logger

	// Tracer records spans. Default: the global tracer.
	Tracer *telemetry.Tracer
}

// Server answers the handshake and ping on any number of channels.
type Server struct {
	cfg ServerConfig
	log *logging.Logger
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string]interface{}{}
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger.WithComponent("server"),
	}
}

// Serve runs an engine over ch until the channel closes.
func (s *Server) Serve(ctx context.Context, ch transport.Channel) error {
	engine := NewEngine(ch, EngineConfig{
		Handler: s,
		Logger:  s.cfg.Logger,
		Tracer:  s.cfg.Tracer,
	})
	return engine.Run(ctx)
}

// Handle implements Handler.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case MethodInitialize:
		return s.initialize(params)
	case MethodPing:
		return struct{}{}, nil
	case MethodInitialized:
		s.log.Debug("client_initialized", nil)
		return nil, nil
	case MethodCancelled:
		return nil, nil
	default:
		return nil, NewError(MethodNotFound, "Method not found")
	}
}

func (s *Server) initialize(params json.RawMessage) (*InitializeResult, error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
		}
	}

	// Only one version is spoken; a client asking for another decides
	// whether to continue.
	s.log.Info("initialize", map[string]interface{}{
		"client":           p.ClientInfo.Name,
		"protocol_version": p.ProtocolVersion,
	})
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.cfg.Capabilities,
		ServerInfo:      s.cfg.Info,
		Instructions:    s.cfg.Instructions,
	}, nil
}
