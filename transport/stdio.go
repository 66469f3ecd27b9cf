package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentwire/errors"
)

// DefaultGracePeriod is how long Close waits for a child to exit after
// the interrupt before killing it.
const DefaultGracePeriod = 3 * time.Second

// StdioConfig configures a spawned subprocess channel.
type StdioConfig struct {
	StreamConfig // Embed stream config

	// Command is the program to run.
	Command string

	// Args are passed to Command.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// GracePeriod between interrupt and kill on Close.
	// Default: 3s
	GracePeriod time.Duration
}

// DefaultStdioConfig returns configuration with sensible defaults.
func DefaultStdioConfig() StdioConfig {
	return StdioConfig{
		StreamConfig: DefaultStreamConfig(),
		GracePeriod:  DefaultGracePeriod,
	}
}

// StdioChannel implements Channel by spawning a subprocess and framing
// envelopes as lines on its stdin and stdout. The child's stderr is
// forwarded to the logger one line at a time.
type StdioChannel struct {
	*StreamChannel
	cfg StdioConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *lineWriter

	// readerDone is closed when the stdout reader stops; the child is
	// reaped only after that.
	readerDone chan struct{}
	// exited is closed after the child has been reaped.
	exited  chan struct{}
	waitErr error
}

// NewStdioChannel creates a channel for cfg.Command. Nothing is spawned
// until Start.
func NewStdioChannel(cfg StdioConfig) *StdioChannel {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	c := &StdioChannel{
		StreamChannel: newStream(KindStdio, cfg.StreamConfig),
		cfg:           cfg,
		readerDone:    make(chan struct{}),
		exited:        make(chan struct{}),
	}
	c.eof = c.peerExited
	c.release = c.terminate
	return c
}

// Target returns the command line for logs.
func (c *StdioChannel) Target() string {
	return strings.TrimSpace(c.cfg.Command + " " + strings.Join(c.cfg.Args, " "))
}

// Start spawns the subprocess.
func (c *StdioChannel) Start(ctx context.Context) error {
	return c.start(ctx, c.Target(), c.spawn)
}

func (c *StdioChannel) spawn(ctx context.Context) error {
	kind := errors.WithKind(string(KindStdio))
	target := errors.WithTarget(c.Target())

	if c.cfg.Command == "" {
		return errors.Connection("empty command", kind)
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeConnection, "spawn", kind, target)
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	stderr := newLineWriter(func(line string) {
		c.log.PeerDiagnostic(string(KindStdio), line)
	})
	cmd.Stderr = stderr
	cmd.WaitDelay = c.cfg.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeConnection, "stdin pipe", kind, target)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeConnection, "stdout pipe", kind, target)
	}
	if err := cmd.Start(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeConnection, "spawn", kind, target)
	}

	attached := c.attach(func() {
		c.cmd = cmd
		c.stdin = stdin
		c.stdout = stdout
		c.stderr = stderr
		c.r = stdout
		c.w = bufio.NewWriter(stdin)
	})
	if !attached {
		// Closed while spawning.
		cmd.Process.Kill()
		cmd.Wait()
		return errors.Transport("channel closed during start", kind)
	}

	go c.reap()
	c.run()
	return nil
}

// reap waits for the child once the reader has stopped.
func (c *StdioChannel) reap() {
	<-c.readerDone
	c.waitErr = c.cmd.Wait()
	c.stderr.Flush()
	close(c.exited)
}

// peerExited runs when stdout ends. It waits briefly for the child so the
// close reason can carry its exit status. A partial last line counts as
// end of stream; it is dropped and noted in the metadata.
func (c *StdioChannel) peerExited(readErr error) error {
	close(c.readerDone)
	partial := readErr == io.ErrUnexpectedEOF
	if readErr != nil && !partial {
		return streamEnded(readErr, KindStdio)
	}

	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-c.exited:
	case <-c.done:
		return nil
	case <-timer.C:
		// stdout closed but the child lingers; Close will kill it.
		return streamEnded(nil, KindStdio)
	}

	opts := []errors.Option{
		errors.WithKind(string(KindStdio)),
		errors.WithTarget(c.Target()),
	}
	if partial {
		opts = append(opts, errors.WithMetadata(errors.MetaPartialLine, "discarded"))
	}
	if ps := c.cmd.ProcessState; ps != nil {
		opts = append(opts, errors.WithMetadata(errors.MetaExitStatus, strconv.Itoa(ps.ExitCode())))
	}
	if c.waitErr != nil {
		opts = append(opts, errors.WithCause(c.waitErr))
	}
	return errors.Transport("peer exited", opts...)
}

// terminate stops the child: close its stdin, interrupt, wait
// GracePeriod, then kill.
func (c *StdioChannel) terminate() {
	c.mu.Lock()
	cmd, stdin, stdout := c.cmd, c.stdin, c.stdout
	c.mu.Unlock()
	if cmd == nil {
		return
	}

	stdin.Close()
	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-c.exited:
		return
	case <-time.After(50 * time.Millisecond):
	}

	cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.exited:
		return
	case <-timer.C:
	}

	cmd.Process.Kill()
	timer.Reset(c.cfg.GracePeriod)
	select {
	case <-c.exited:
	case <-timer.C:
		// A grandchild may still hold stdout open; closing our end
		// unblocks the reader so the child is reaped.
		stdout.Close()
		<-c.exited
	}
}

// Pid returns the child's process id, or 0 before Start.
func (c *StdioChannel) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// lineWriter splits written bytes into lines for the logger.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if line != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
