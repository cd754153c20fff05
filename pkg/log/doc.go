/*
Package log provides structured logging for dftp using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/dftp-io/dftp/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component loggers:

	logger := log.WithComponent("storage")
	logger.Info().Str("path", "/docs").Msg("directory created")

Every node type obtains a component logger at construction time so that a
single process running multiple roles still produces attributable logs.

# Log Levels

  - Debug: protocol traces, per-message detail
  - Info: node lifecycle, registrations, transfers
  - Warn: missed heartbeats, retries, partial replication
  - Error: failed operations that surface to clients
*/
package log
