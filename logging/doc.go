// Package logging provides a minimal logging interface and adapters for agentrelay.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the broker, monitor and dispatch loop use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RelayLogger with component and session context plus domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	b := broker.New(func(o *broker.Options) { o.Logger = logger.WithComponent("broker") })
//
// Log messages use dotted event names ("broker.route.no_handler") with
// key/value attributes.
package logging
