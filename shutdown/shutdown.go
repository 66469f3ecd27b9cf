package shutdown

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vinayprograms/agentwire/logging"
)

// Phases used by the server. Lower phases shut down first.
const (
	PhaseListeners = 10
	PhaseSessions  = 20
	PhaseTelemetry = 30
)

var (
	// ErrTimeout is returned when the deadline passes before a phase starts.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the joined errors of the handlers that failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// ShutdownHandler is a component that releases resources on shutdown. ctx
// is cancelled at the shutdown deadline.
type ShutdownHandler interface {
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a channel or session router.
func Closer(c io.Closer) ShutdownHandler {
	return ShutdownFunc(func(context.Context) error {
		return c.Close()
	})
}

// HTTPServer adapts an http.Server; it stops listeners and waits for
// in-flight requests until ctx expires.
func HTTPServer(srv *http.Server) ShutdownHandler {
	return ShutdownFunc(func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// ShutdownCoordinator runs registered handlers phase by phase.
type ShutdownCoordinator interface {
	Register(name string, handler ShutdownHandler)

	// RegisterWithPhase adds a handler to phase. Handlers in one phase
	// run concurrently.
	RegisterWithPhase(name string, handler ShutdownHandler, phase int)

	// Shutdown runs the phases in order. It is safe to call more than
	// once; later calls wait for the first and return its error.
	Shutdown(ctx context.Context) error
	ShutdownWithTimeout(timeout time.Duration) error

	// HandleSignals starts shutdown on SIGTERM or SIGINT.
	HandleSignals()

	Done() <-chan struct{}
	Err() error
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult collects every handler outcome in the order phases ran.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *ShutdownResult) FailedHandlers() []string {
	var names []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			names = append(names, hr.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// DefaultTimeout applies when ShutdownWithTimeout gets zero and to
	// signal-initiated shutdown. Default: 30s
	DefaultTimeout time.Duration

	// DefaultPhase is used by Register. Default: 100
	DefaultPhase int

	// ContinueOnError keeps running later phases after a failure.
	ContinueOnError bool

	// OnProgress is called after each handler returns.
	OnProgress func(result HandlerResult)

	// Logger receives shutdown progress. Nil disables logging.
	Logger *logging.Logger
}

func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns a 30s timeout that continues past failures.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
