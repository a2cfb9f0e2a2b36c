// Package registry holds the gateway's operations and resources.
//
// Registration is two-phase. Handler modules register into a Builder in any
// order; Build then produces an immutable Registry that the dispatch engine
// reads without locking:
//
//	b := registry.NewBuilder(logger)
//	err := b.RegisterOperation(registry.Operation{
//		Name:           "generate_code",
//		RequiredScopes: []string{"tools:generate"},
//		Handler:        registry.MustTyped(generate),
//	})
//	reg, err := b.Build()
//
// Duplicate names and URIs are rejected and the first registration wins.
// Registering after Build fails with ErrFrozen.
//
// # Input Shapes
//
// An operation's InputShape is either declared with NewInputShape or derived
// from a Go struct by ShapeOf / Typed. Derived fields take their names from
// json tags and are required unless tagged omitempty. Shapes compile to JSON
// Schema and Validate rejects mismatched arguments with ErrInvalidArguments.
package registry
