// Package logging provides structured logging for keyforge.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// persistent context attributes. Scheduler components tag their loggers
// with the worker, task, and phase they are acting on so a single log file
// can be filtered per task after a run.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context attributes (worker ID, task ID, phase, component)
//   - Size-based log rotation with a bounded number of backups
//   - Reading and filtering of written logs
//   - Wrapping of an external slog.Handler (used for the OpenTelemetry bridge)
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/keyforge", "INFO",
//	    logging.WithRotation(logging.DefaultRotationConfig()))
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wlog := logger.WithWorker("worker-3").WithPhase("dictionary")
//	wlog.Info("task completed", "task_id", id, "duration_ms", ms)
//
// Components accept a *Logger and fall back to [NopLogger] via [OrNop]
// when given nil.
package logging
