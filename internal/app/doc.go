// Package app wires the protection core into a running service.
//
// # Initialization Flow
//
// New builds the components in dependency order:
//
//  1. OpenTelemetry providers (tracing, prometheus metrics)
//  2. Storage backend (file, memory or redis)
//  3. Fingerprint engine and device identity store
//  4. Evidence book, stamped with the current device ID
//  5. License manager with its optional remote authority
//  6. Rate limiter and, when enabled, the environment monitor
//  7. Evidence stream hub, router and HTTP server
//
// Nothing runs until Start. Run starts the service and blocks until its
// context is cancelled.
//
// # Graceful Shutdown
//
// Stop drains HTTP requests within the configured shutdown timeout, stops
// the monitor so no further evidence is recorded, closes stream clients,
// closes the storage backend and flushes telemetry.
//
// The package never calls os.Exit; errors are returned to the command.
package app
