// Package logging provides structured logging for the directory server.
//
// # Overview
//
// The logging package provides a structured logging interface with support for:
//
//   - Multiple log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Request ID tracking for admin API calls
//   - Field-based contextual logging
//   - Per-subsystem source tags
//   - Size-based rotation of log files
//
// Records are produced by log/slog handlers; file output goes through
// lumberjack.
//
// # Creating a Logger
//
// Create a logger with configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/dirmgr/dirmgr.log",
//	    MaxSizeMB:  100,
//	    MaxBackups: 5,
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // Info level, text format, stdout
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Log Levels
//
// Four log levels are supported:
//
//	logger.Debug("detailed debugging info", "key", "value")
//	logger.Info("informational message", "key", "value")
//	logger.Warn("warning message", "key", "value")
//	logger.Error("error message", "key", "value")
//
// Parse level from string:
//
//	level := logging.ParseLevel("debug") // Returns LevelDebug
//
// # Structured Logging
//
// Add key-value pairs to log entries:
//
//	logger.Info("transaction committed",
//	    "owner", "alice",
//	    "seq", 42,
//	    "changes", 3,
//	)
//
// Output (JSON format):
//
//	{
//	    "time": "2026-02-18T10:30:00Z",
//	    "level": "INFO",
//	    "msg": "transaction committed",
//	    "owner": "alice",
//	    "seq": 42,
//	    "changes": 3
//	}
//
// # Request ID Tracking
//
// Add request ID for tracing:
//
//	requestID := logging.GenerateRequestID()
//	reqLogger := logger.WithRequestID(requestID)
//
//	reqLogger.Info("processing request") // Includes request_id field
//
// # Contextual Fields
//
// Create loggers with persistent fields:
//
//	txLogger := logger.WithSource("tx").WithFields(
//	    "owner", principal,
//	    "txn", txID,
//	)
//
//	// All subsequent logs include these fields
//	txLogger.Info("checkpoint", "label", "cp1")
//
// # Output Formats
//
// Text format (human-readable):
//
//	time=2026-02-18T10:30:00Z level=INFO msg="transaction committed" seq=42
//
// JSON format (machine-parseable):
//
//	{"time":"2026-02-18T10:30:00Z","level":"INFO","msg":"transaction committed",...}
//
// # Output Destinations
//
// Configure output destination:
//
//	logging.Config{Output: "stdout"}           // Standard output
//	logging.Config{Output: "stderr"}           // Standard error
//	logging.Config{Output: "/var/log/dirmgr.log"} // Rotated file
package logging
