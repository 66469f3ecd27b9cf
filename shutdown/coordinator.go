package shutdown

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/agentwire/logging"
)

// Coordinator implements ShutdownCoordinator.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	signal   os.Signal

	once    sync.Once
	done    chan struct{}
	err     error
	result  *ShutdownResult
	signals chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	d := DefaultConfig()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = d.DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = d.DefaultPhase
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		config:  config,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
	c.mu.Unlock()
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// RegisterFuncWithPhase registers fn in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase once. Later calls wait for the first to finish
// and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		c.err = c.result.Err
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown under a deadline; zero means the
// configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on the first SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig os.Signal
		select {
		case sig = <-c.signals:
		case <-c.done:
			signal.Stop(c.signals)
			return
		}
		signal.Stop(c.signals)

		c.mu.Lock()
		c.signal = sig
		c.mu.Unlock()

		c.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
		c.ShutdownWithTimeout(0)
	}()
}

// Signal returns the signal that started shutdown, if any.
func (c *Coordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns per-handler outcomes, or nil before Done.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *ShutdownResult {
	start := time.Now()

	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	slices.SortStableFunc(handlers, func(a, b registration) int {
		return cmp.Compare(a.phase, b.phase)
	})
	phases := groupByPhase(handlers)

	c.log.Info("shutdown_start", map[string]interface{}{
		"handlers": len(handlers),
		"phases":   len(phases),
	})

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	var failed []error
	finish := func(err error) *ShutdownResult {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.log.Info("shutdown_complete", map[string]interface{}{
			"duration": result.TotalDuration.String(),
			"failed":   len(result.FailedHandlers()),
		})
		return result
	}
	failure := func() error {
		if len(failed) == 0 {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failed...))
	}

	for _, group := range phases {
		if ctx.Err() != nil {
			c.log.Warn("shutdown_timeout", map[string]interface{}{"phase": group[0].phase})
			return finish(ErrTimeout)
		}
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if len(failed) > 0 && !c.config.ContinueOnError {
			return finish(failure())
		}
	}
	return finish(failure())
}

// runPhase calls every handler in group concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}
			c.logResult(results[i])
			if c.config.OnProgress != nil {
				c.config.OnProgress(results[i])
			}
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) logResult(hr HandlerResult) {
	fields := map[string]interface{}{
		"handler":  hr.Name,
		"phase":    hr.Phase,
		"duration": hr.Duration.String(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.log.Error("handler_failed", fields)
		return
	}
	c.log.Debug("handler_done", fields)
}

// groupByPhase splits handlers, already sorted by phase, into runs of
// equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], h)
	}
	return groups
}
