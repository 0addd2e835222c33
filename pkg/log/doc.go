/*
Package log provides structured logging for Corral using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add node ID context
  - WithVmID: Add VM ID context
  - WithObligationID: Add obligation ID context

# Usage

Initializing the Logger:

	import "github.com/corralhq/corral/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("Orchestrator initialized")
	log.Warn("Node heartbeat missed")
	log.Error("Failed to issue command")

Structured Logging:

	log.Logger.Info().
		Str("vm_id", "vm-123").
		Int("compute_points", 8).
		Msg("VM placed")

	log.Logger.Error().
		Err(err).
		Str("node_id", "node-abc").
		Msg("Attestation challenge failed")

Component Loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("Scoring candidate nodes")

	obLog := log.WithComponent("engine").
		With().Str("obligation_id", ob.ID).Logger()
	obLog.Info().Msg("Dispatching handler")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"scheduler","time":"2026-08-26T10:30:00Z","message":"VM placed"}
	{"level":"error","component":"nodes","node_id":"node-abc","error":"signature mismatch","time":"2026-08-26T10:30:02Z","message":"Registration rejected"}

Console Format (Development):

	10:30:00 INF VM placed component=scheduler vm_id=vm-123
	10:30:02 ERR Registration rejected component=nodes node_id=node-abc error="signature mismatch"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase

# Log Rotation

Corral doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):

	# /etc/logrotate.d/corral
	/var/log/corral/*.log {
	    daily
	    rotate 7
	    compress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:

	journalctl -u corral -f

# Security

Log Content:
  - Never log wallet private keys, API keys, or signatures
  - Node API keys appear only in registration responses, never in logs
  - Use typed fields (.Str, .Int) for user data, never concatenation

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Include context (node ID, VM ID, obligation ID)

Don't:
  - Log sensitive data (keys, signatures)
  - Use Debug level in production
  - Log in tight loops (the reconciliation tick runs every 5 seconds)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
