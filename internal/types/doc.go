// Package types provides shared data structures for the builder.
//
// These types cross package boundaries: the orchestrator, the bundler, the
// sandbox and the transports all speak in generations and diagnostics.
//
// Core Types:
//   - Generation: Monotonic build attempt identifier
//   - Diagnostic: Displayable error or warning with source position
//   - Kind: Error taxonomy (LocalModuleNotFound, ResolutionError, ...)
//   - Error: Typed error carrying a Kind, file and specifier
//
// Example Usage:
//
//	err := types.NewError(types.KindLocalModuleNotFound, "/index.tsx", "./missing", "", nil)
//	diag := types.DiagnosticFromError(err)
//	fmt.Println(diag) // /index.tsx: LocalModuleNotFound: cannot find module "./missing"
package types
