// Package logging provides structured logging for the orchestration core.
//
// This package wraps Go's log/slog to emit one JSON object per line. Every
// component receives a *Logger and derives a child carrying its own context:
//
//	log := logger.WithComponent("resolver").WithRole("qa_engineer")
//	log.Info("readiness changed", "ready", true)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"readiness changed","component":"resolver","role_id":"qa_engineer","ready":true}
//
// # Log Rotation
//
// [NewLogger] writes {stateDir}/orchestrator.log through a [RotatingWriter].
// Rotated files are named orchestrator.log.1 (newest) through
// orchestrator.log.N, gzip compressed when RotationConfig.Compress is set.
//
// # Reading Logs
//
// [ReadLogs] and [FilterLogs] back the "troupe logs" command:
//
//	entries, err := logging.ReadLogs(stateDir)
//	warnings := logging.FilterLogs(entries, logging.LogFilter{Level: "WARN", RoleID: "qa_engineer"})
//
// # Testing
//
// Use [NopLogger] to discard output.
package logging
