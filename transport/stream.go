package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/vinayprograms/agentwire/errors"
)

// DefaultMaxMessageBytes bounds one inbound line or frame.
const DefaultMaxMessageBytes = 10 * 1024 * 1024

// StreamConfig holds newline-framed stream configuration.
type StreamConfig struct {
	Config // Embed base config

	// MaxMessageBytes limits one inbound line. A longer line closes the
	// channel. Default: 10 MiB
	MaxMessageBytes int
}

// DefaultStreamConfig returns configuration with sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Config:          DefaultConfig(),
		MaxMessageBytes: DefaultMaxMessageBytes,
	}
}

// StreamChannel implements Channel over a reader and a writer with one
// envelope per line. The stdio server uses it over its own stdin and
// stdout; StdioChannel uses it over a child's pipes.
//
// The caller owns r and w; Close does not close them.
type StreamChannel struct {
	*base
	cfg StreamConfig

	r io.Reader
	w *bufio.Writer

	// eof computes the close reason when the reader stops.
	eof func(readErr error) error
	// release frees a wrapping binding's resource after close.
	release func()
}

// NewStreamChannel creates a stream channel over r and w.
func NewStreamChannel(r io.Reader, w io.Writer, cfg StreamConfig) *StreamChannel {
	s := newStream(KindStream, cfg)
	s.r = r
	s.w = bufio.NewWriter(w)
	return s
}

func newStream(kind Kind, cfg StreamConfig) *StreamChannel {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &StreamChannel{
		base: newBase(kind, cfg.Config),
		cfg:  cfg,
	}
}

// Start begins reading and writing.
func (s *StreamChannel) Start(ctx context.Context) error {
	return s.start(ctx, "", func(ctx context.Context) error {
		s.run()
		return nil
	})
}

// run launches the reader and writer goroutines.
func (s *StreamChannel) run() {
	go s.readLoop()
	go s.writeLoop(s.writeLine, s.fail)
}

// Send writes msg as one line.
func (s *StreamChannel) Send(ctx context.Context, msg Message) error {
	return s.send(ctx, msg, func(ctx context.Context) error {
		return s.enqueue(ctx, msg)
	})
}

// Close closes the channel. Pending sends fail with TRANSPORT.
func (s *StreamChannel) Close() error {
	s.fail(nil)
	return nil
}

func (s *StreamChannel) fail(err error) {
	if s.shutdown(err) && s.release != nil {
		s.release()
	}
}

func (s *StreamChannel) writeLine(msg Message) error {
	if _, err := s.w.Write(msg); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *StreamChannel) readLoop() {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, min(64*1024, s.cfg.MaxMessageBytes)), s.cfg.MaxMessageBytes)
	sc.Split(scanFrames)

	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !s.deliverData(line) {
			break
		}
	}

	var reason error
	if s.eof != nil {
		reason = s.eof(sc.Err())
	} else {
		reason = streamEnded(sc.Err(), s.kind)
	}
	s.fail(reason)
}

func streamEnded(readErr error, kind Kind) error {
	switch {
	case readErr == nil:
		return errors.Transport("peer closed stream", errors.WithKind(string(kind)))
	case readErr == bufio.ErrTooLong:
		return errors.Transport("inbound line exceeds limit", errors.WithKind(string(kind)), errors.WithCause(readErr))
	default:
		return errors.Transport("read failed", errors.WithKind(string(kind)), errors.WithCause(readErr))
	}
}

// scanFrames splits on '\n' and drops a trailing '\r'. A partial line at
// EOF is an error rather than a frame.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) == 0 {
			return len(data), nil, nil
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}
