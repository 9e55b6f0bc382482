package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared by every task state-transition record (scheduled,
// claimed, submitted, succeeded, rescheduled, dead-lettered). Components
// use these instead of ad-hoc keys so the stream stays queryable.
const (
	FieldComponent = "component"
	FieldThread    = "thread"
	FieldTaskID    = "task_id"
	FieldExecCount = "exec_count"
	FieldRetries   = "retry_count"
	FieldReason    = "reason"
)

var root = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup configures the process-wide root logger. Unrecognized levels fall
// back to info; a nil writer logs to stdout. Output is human-readable
// console format unless jsonOutput is set.
func Setup(level string, jsonOutput bool, out io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if out == nil {
		out = os.Stdout
	}
	if !jsonOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

// Root returns the root logger, for code with no component scope.
func Root() zerolog.Logger {
	return root
}

// For derives a component-scoped child logger.
func For(component string) zerolog.Logger {
	return root.With().Str(FieldComponent, component).Logger()
}

// ForTask stamps a component logger with the task identity carried by
// every state-transition record.
func ForTask(parent zerolog.Logger, taskID, thread string, execCount uint64, retryCount int) zerolog.Logger {
	return parent.With().
		Str(FieldTaskID, taskID).
		Str(FieldThread, thread).
		Uint64(FieldExecCount, execCount).
		Int(FieldRetries, retryCount).
		Logger()
}
