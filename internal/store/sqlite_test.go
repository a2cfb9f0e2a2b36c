// ABOUTME: Tests for the SQLite invocation log
// ABOUTME: Covers schema creation, event recording, lookups, ordering, and pruning

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orchestrator-gateway/internal/analytics"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestStore_ReopenRunsMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveInvocation(context.Background(), &Invocation{
		Kind: analytics.KindOperation, Name: "ping", Success: true, CreatedAt: baseTime,
	}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	recent, err := s2.RecentInvocations(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestStore_RecordEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Record(ctx, analytics.Event{
		Kind:          analytics.KindOperation,
		Name:          "generate_code",
		Duration:      1250 * time.Millisecond,
		Success:       false,
		ErrorCode:     "timeout",
		CorrelationID: "corr-123",
		Subject:       "user-1",
		Degraded:      true,
		Timestamp:     baseTime,
	})
	require.NoError(t, err)

	recent, err := store.RecentInvocations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	inv := recent[0]
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, analytics.KindOperation, inv.Kind)
	assert.Equal(t, "generate_code", inv.Name)
	assert.Equal(t, int64(1250), inv.DurationMS)
	assert.False(t, inv.Success)
	assert.Equal(t, "timeout", inv.ErrorCode)
	assert.Equal(t, "corr-123", inv.CorrelationID)
	assert.Equal(t, "user-1", inv.Subject)
	assert.True(t, inv.Degraded)
	assert.True(t, inv.CreatedAt.Equal(baseTime))
}

func TestStore_GetInvocation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inv := &Invocation{Kind: analytics.KindResource, Name: "system://status", Success: true, CreatedAt: baseTime}
	require.NoError(t, store.SaveInvocation(ctx, inv))
	require.NotEmpty(t, inv.ID, "SaveInvocation assigns an id")

	got, err := store.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "system://status", got.Name)
	assert.Equal(t, analytics.KindResource, got.Kind)

	_, err = store.GetInvocation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecentInvocationsOrderAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.SaveInvocation(ctx, &Invocation{
			Kind:      analytics.KindOperation,
			Name:      name,
			Success:   true,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := store.RecentInvocations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Name)
	assert.Equal(t, "c", recent[1].Name)

	all, err := store.RecentInvocations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_PruneInvocations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, store.SaveInvocation(ctx, &Invocation{
			Kind:      analytics.KindOperation,
			Name:      "ping",
			Success:   true,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Hour),
		}))
	}

	n, err := store.PruneInvocations(ctx, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := store.RecentInvocations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestStore_BehindAsyncSink(t *testing.T) {
	store := setupTestStore(t)

	sink := analytics.NewAsync(store, 16, nil)
	for range 10 {
		require.NoError(t, sink.Record(context.Background(), analytics.Event{
			Kind: analytics.KindOperation, Name: "ping", Success: true, Timestamp: baseTime,
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	recent, err := store.RecentInvocations(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, recent, 10)
}
