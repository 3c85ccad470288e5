package mqttloop

import (
	"io"
	"log"
	"maps"
	"os"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int32

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a level name as used in configuration files.
// Unknown names map to LogLevelInfo.
func ParseLogLevel(name string) LogLevel {
	switch name {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	case "none", "NONE", "off":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (n *NoOpLogger) Debug(_ string, _ LogFields)   {}
func (n *NoOpLogger) Info(_ string, _ LogFields)    {}
func (n *NoOpLogger) Warn(_ string, _ LogFields)    {}
func (n *NoOpLogger) Error(_ string, _ LogFields)   {}
func (n *NoOpLogger) WithFields(_ LogFields) Logger { return n }
func (n *NoOpLogger) Level() LogLevel               { return LogLevelNone }
func (n *NoOpLogger) SetLevel(_ LogLevel)           {}

// StdLogger is a simple logger using the standard library log package.
// The level is shared with loggers derived through WithFields.
type StdLogger struct {
	logger *log.Logger
	level  *atomic.Int32
	fields LogFields
}

// NewStdLogger creates a new standard library based logger.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))
	return &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  lvl,
	}
}

// Debug logs a debug message.
func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }

// Info logs an info message.
func (s *StdLogger) Info(msg string, fields LogFields) { s.log(LogLevelInfo, msg, fields) }

// Warn logs a warning message.
func (s *StdLogger) Warn(msg string, fields LogFields) { s.log(LogLevelWarn, msg, fields) }

// Error logs an error message.
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

// WithFields returns a new logger with the given fields added.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	merged := make(LogFields, len(s.fields)+len(fields))
	maps.Copy(merged, s.fields)
	maps.Copy(merged, fields)

	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: merged,
	}
}

// Level returns the current log level.
func (s *StdLogger) Level() LogLevel { return LogLevel(s.level.Load()) }

// SetLevel sets the log level.
func (s *StdLogger) SetLevel(level LogLevel) { s.level.Store(int32(level)) }

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}

	if len(s.fields) == 0 && len(fields) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}

	all := make(LogFields, len(s.fields)+len(fields))
	maps.Copy(all, s.fields)
	maps.Copy(all, fields)

	s.logger.Printf("[%s] %s %v", level, msg, all)
}

// Standard field names for loop logging.
const (
	LogFieldClientID = "client_id"
	LogFieldAddress  = "address"
	LogFieldFd       = "fd"
	LogFieldState    = "state"
	LogFieldError    = "error"
	LogFieldDelay    = "delay"
	LogFieldAttempt  = "attempt"
	LogFieldBudget   = "budget"
	LogFieldTimeout  = "timeout"
)
