// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (application.go, session.go,
// store.go, collaborators.go, errors.go) with shared types and cross-cutting
// interfaces. No implementation code beyond value-type helpers, just contracts.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
