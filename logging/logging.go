// Package logging provides leveled key=value console logging for the
// market engine. The store and the ledger journal are the durable record;
// log lines are for operators watching the process.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a Level. Unknown values are an error.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		l = LevelWarn
	}
	if _, ok := levelPriority[l]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// sink is shared by a logger and every child derived from it so writes
// from different components never interleave.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
	now      func() time.Time
}

// Logger writes one line per event:
// LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	sink      *sink
	component string
	requestID string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo, now: time.Now}}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	l.SetLevel(LevelError)
	return l
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, requestID: l.requestID}
}

// WithRequestID returns a child logger that adds request=<id> to every line.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{sink: l.sink, component: l.component, requestID: id}
}

// SetLevel sets the minimum log level for this logger and its children.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	merged := make(map[string]any)
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.requestID != "" {
		merged["request"] = l.requestID
	}

	timestamp := l.sink.now().UTC().Format("2006-01-02T15:04:05.000Z")
	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, formatFields(merged))
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, formatFields(merged))
	}
	l.sink.output.Write([]byte(line))
}

// --- Market event helpers ---

// TaskTransition logs a task moving between lifecycle states.
func (l *Logger) TaskTransition(taskID uint64, from, to, account string) {
	l.Info("task_transition", map[string]any{
		"task":    taskID,
		"from":    from,
		"to":      to,
		"account": Redact(account),
	})
}

// BalanceChange logs a ledger mutation.
func (l *Logger) BalanceChange(account, kind, amount, balance, reason string) {
	l.Debug("balance_change", map[string]any{
		"account": Redact(account),
		"kind":    kind,
		"amount":  amount,
		"balance": balance,
		"reason":  reason,
	})
}

// VerificationAttempt logs one call to the canvas on behalf of a worker.
func (l *Logger) VerificationAttempt(taskID uint64, attempt int, outcome string, duration time.Duration) {
	l.Debug("verify_attempt", map[string]any{
		"task":     taskID,
		"attempt":  attempt,
		"outcome":  outcome,
		"duration": duration.String(),
	})
}

// CooldownObserved logs a rate-limit reply that pushed the shared gate out.
func (l *Logger) CooldownObserved(wait time.Duration, source string) {
	l.Warn("cooldown", map[string]any{
		"wait":   wait.String(),
		"source": source,
	})
}

// InvariantViolation logs a broken money or state invariant. Always ERROR.
func (l *Logger) InvariantViolation(what string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["invariant"] = what
	l.Error("invariant_violation", fields)
}

// Redact shortens an account token for log output.
func Redact(account string) string {
	if len(account) <= 4 {
		return account
	}
	return account[:4] + "…"
}
