// Package telemetry provides tracing for channel operations and span export.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is the JSON shape of one exported span.
type SpanRecord struct {
	Name       string            `json:"name"`
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Kind       string            `json:"kind"`
	Start      time.Time         `json:"start"`
	Duration   time.Duration     `json:"duration"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// --- File Exporter ---

// FileExporter writes finished spans as JSON lines. It backs the "file"
// provider protocol, where the endpoint is a path.
type FileExporter struct {
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
}

var _ sdktrace.SpanExporter = (*FileExporter)(nil)

// NewFileExporter creates a new file exporter appending to path.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{w: file, closer: file}, nil
}

// NewWriterExporter creates an exporter writing to w. The caller owns w.
func NewWriterExporter(w io.Writer) *FileExporter {
	return &FileExporter{w: w}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *FileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(recordOf(s))
		if err != nil {
			return err
		}
		if _, err := e.w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *FileExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer == nil {
		return nil
	}
	if f, ok := e.closer.(*os.File); ok {
		f.Sync()
	}
	err := e.closer.Close()
	e.closer = nil
	return err
}

func recordOf(s sdktrace.ReadOnlySpan) SpanRecord {
	rec := SpanRecord{
		Name:     s.Name(),
		TraceID:  s.SpanContext().TraceID().String(),
		SpanID:   s.SpanContext().SpanID().String(),
		Kind:     s.SpanKind().String(),
		Start:    s.StartTime(),
		Duration: s.EndTime().Sub(s.StartTime()),
		Status:   s.Status().Code.String(),
		Error:    s.Status().Description,
	}
	if s.Parent().IsValid() {
		rec.ParentID = s.Parent().SpanID().String()
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = truncateAny(kv.Value.AsInterface(), 500)
		}
	}
	return rec
}
