// Package log provides structured logging for cog. Entries are written to a
// file with level, category and timestamp fields, and fanned out over a
// pubsub broker so other components can observe them. Logging is off unless
// enabled via --debug or the COG_DEBUG environment variable.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tempusfrangit/cog/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Category groups related log messages.
type Category string

const (
	CatWorker Category = "worker" // Worker state machine and streams
	CatChild  Category = "child"  // Child process lifecycle
	CatProto  Category = "proto"  // Wire protocol encoding/decoding
	CatConfig Category = "config" // Configuration loading/saving
	CatCLI    Category = "cli"    // Command line front end
	CatTrace  Category = "trace"  // Tracing subsystem
)

// Logger is the process-wide log sink. One instance exists at most.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var (
	active *Logger
	once   sync.Once
)

// Init opens the log file at path and installs the global logger. Only the
// first call has any effect. The returned function closes the file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: user-chosen debug log path
		if err != nil {
			initErr = err
			return
		}
		active = &Logger{
			file:    f,
			enabled: true,
			broker:  pubsub.NewBroker[string](),
		}
	})
	if initErr != nil {
		return nil, initErr
	}
	if active == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if active.file != nil {
			_ = active.file.Close()
		}
	}, nil
}

// SetEnabled toggles the global logger on or off.
func SetEnabled(enabled bool) {
	if active == nil {
		return
	}
	active.mu.Lock()
	active.enabled = enabled
	active.mu.Unlock()
}

// SetMinLevel drops entries below level.
func SetMinLevel(level Level) {
	if active == nil {
		return
	}
	active.mu.Lock()
	active.minLevel = level
	active.mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	emit(LevelDebug, cat, msg, fields)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	emit(LevelInfo, cat, msg, fields)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	emit(LevelWarn, cat, msg, fields)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	emit(LevelError, cat, msg, fields)
}

// ErrorErr logs at error level with the error value as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	errStr := "<nil>"
	if err != nil {
		errStr = err.Error()
	}
	emit(LevelError, cat, msg, append(fields, "error", errStr))
}

func emit(level Level, cat Category, msg string, fields []any) {
	l := active
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || level < l.minLevel {
		return
	}

	// 2025-12-06T10:45:00 [ERROR] [worker] message key=value
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		// Orphan key from a mismatched call site.
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	line := b.String()

	if l.file != nil {
		_, _ = l.file.WriteString(line)
	}
	l.broker.Publish(line)
}

// Entry is a pubsub event containing a formatted log line.
type Entry = pubsub.Event[string]

// NewListener subscribes to log entries. The subscription is released when
// ctx is cancelled. Returns nil when logging is not initialized.
func NewListener(ctx context.Context) <-chan Entry {
	if active == nil {
		return nil
	}
	return active.broker.Subscribe(ctx)
}
