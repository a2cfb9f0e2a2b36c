// ABOUTME: Invocation analytics events and sink interfaces
// ABOUTME: Sinks receive one Event per completed operation call or resource read

package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind distinguishes what an event describes.
type Kind string

const (
	KindOperation Kind = "operation"
	KindResource  Kind = "resource"
)

// Event describes one completed invocation.
type Event struct {
	Kind          Kind
	Name          string // operation name or resource URI
	Duration      time.Duration
	Success       bool
	ErrorCode     string // "timeout", "handler_failure", or empty
	CorrelationID string
	Subject       string
	Degraded      bool
	Timestamp     time.Time
}

// Sink consumes events. Implementations may be slow or fail; callers that
// must not block wrap them in Async.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Record logs the event.
func (s LogSink) Record(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, s.Level, "invocation",
		"kind", ev.Kind,
		"name", ev.Name,
		"duration_ms", ev.Duration.Milliseconds(),
		"success", ev.Success,
		"error_code", ev.ErrorCode,
		"correlation_id", ev.CorrelationID,
		"subject", ev.Subject,
		"degraded", ev.Degraded,
	)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Record delivers ev to each sink in order.
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
