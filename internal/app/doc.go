// Package app provides the application repository, the façade every deploy
// API call goes through.
//
// It orchestrates the session lifecycle: create, prepare and activate a
// session; clone the active session; delete an application; and the expiry
// sweeps that retire old sessions, unused tenants and file references.
// It depends on domain interfaces for provisioning, orchestration, metrics
// and log retrieval, not on concrete implementations.
package app
