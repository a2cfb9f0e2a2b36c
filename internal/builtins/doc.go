// Package builtins provides the operations and resources the gateway ships
// with.
//
// # Operations
//
//   - ping: reachability check; needs a valid token but no scopes
//   - generate_code (tools:generate): code scaffold from a description
//   - heal_code (tools:heal): mechanical repair of broken code
//   - design_architecture (tools:architecture): component layout for requirements
//   - usage_report (analytics:read): invocation statistics from the SQLite log
//
// The agent operations delegate to a [Generator]. [TemplateGenerator] is the
// deterministic default; an LLM-backed implementation can be swapped in
// through [Deps] without touching registration.
//
// # Resources
//
//   - system://status: version, uptime, auth mode, provider health
//   - system://operations: the operation catalog with required scopes
//   - system://usage: the same data as usage_report, unfiltered
//   - project://templates: languages generate_code supports
//
// # Usage
//
//	b := registry.NewBuilder(logger)
//	if err := builtins.Register(b, builtins.Deps{Usage: sqliteStore, Status: statusFn}); err != nil {
//	    return err
//	}
//	reg, err := b.Build()
package builtins
