// Package observability provides structured logging and metrics for the
// provider router.
//
// This package implements:
//   - Structured logging with contextual fields (zap-based)
//   - Prometheus metrics for routing, breakers, jobs and broadcasting
//
// Every service takes its logger and metrics by handle; nothing here is
// process-global.
package observability
