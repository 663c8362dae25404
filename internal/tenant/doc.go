// Package tenant keeps the process-wide registry of tenants. Every tenant
// owns its local and remote session repositories and its roles store.
// Tenants created or deleted by peer replicas are picked up through a
// single watch on the coordination store.
package tenant
