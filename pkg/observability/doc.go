// Package observability provides structured logging and Prometheus metrics
// for the badge platform.
//
// The Logger wraps slog with context propagation so handlers can attach
// request and user identifiers once and have them carried through the
// provisioning workflow. Metrics cover the HTTP surface, federated login
// outcomes, enrollment lifecycle transitions, and the derived-view cache.
package observability
