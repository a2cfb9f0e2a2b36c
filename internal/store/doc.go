// Package store provides persistent storage for the gateway using SQLite.
//
// # Invocation log
//
// Every operation call and resource read the dispatch engine completes can be
// recorded as an Invocation: what ran, who called it, how long it took, and
// whether it ended in a timeout or handler failure. SQLiteStore implements
// analytics.Sink, so it is normally installed behind analytics.Async where a
// slow disk can never delay a response.
//
// # Interfaces
//
//   - InvocationStore: save, fetch, list, and prune invocation records
//   - UsageStore: aggregate statistics with optional filters
//
// SQLiteStore implements both.
//
// # Schema
//
// The schema is created on open and extended by idempotent column migrations,
// so older databases upgrade in place. Timestamps are stored as fixed-width
// UTC strings, which keeps lexical and chronological order identical.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/orchestrator/analytics.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	sink := analytics.NewAsync(s, analytics.DefaultBuffer, logger)
//
//	stats, err := s.GetUsageStats(ctx, store.UsageFilter{})
package store
