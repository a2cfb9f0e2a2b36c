// ABOUTME: Store interface and data types for the gateway's invocation log
// ABOUTME: Defines Invocation records, usage filters, and aggregated statistics

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/orchestrator-gateway/internal/analytics"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Invocation is one recorded operation call or resource read.
type Invocation struct {
	ID            string
	Kind          analytics.Kind
	Name          string // operation name or resource URI
	Subject       string
	CorrelationID string
	Success       bool
	ErrorCode     string // "timeout", "handler_failure", or empty
	Degraded      bool
	DurationMS    int64
	CreatedAt     time.Time
}

// UsageFilter narrows usage queries. Nil fields are ignored.
type UsageFilter struct {
	Kind    *analytics.Kind
	Name    *string
	Subject *string
	Since   *time.Time
	Until   *time.Time
}

// OperationStats aggregates invocations of one name.
type OperationStats struct {
	Name          string
	Kind          analytics.Kind
	Calls         int64
	Failures      int64
	Timeouts      int64
	AvgDurationMS float64
	MaxDurationMS int64
	LastCalledAt  time.Time
}

// UsageStats aggregates invocations matching a filter.
type UsageStats struct {
	TotalCalls    int64
	TotalFailures int64
	DegradedCalls int64
	Operations    []OperationStats // busiest first
}

// InvocationStore persists invocation records.
type InvocationStore interface {
	SaveInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	RecentInvocations(ctx context.Context, limit int) ([]*Invocation, error)
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// UsageStore answers aggregate questions over the invocation log.
type UsageStore interface {
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}
