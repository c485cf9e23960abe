package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Fields that name what a line is about. The console logger prints them as
// an "account/node:" prefix instead of key=value pairs.
const (
	scopeAccount = "account"
	scopeNode    = "node"
)

// ConsoleLoggerConfig contains configuration for console logger
type ConsoleLoggerConfig struct {
	Writer           io.Writer
	Level            LogLevel
	ColorEnabled     bool
	TimestampEnabled bool
	RedactSensitive  bool
}

// consoleSink is the writer shared by a logger and the loggers derived from it
type consoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// ConsoleLogger implements Logger for human-readable console output
type ConsoleLogger struct {
	sink    *consoleSink
	cfg     ConsoleLoggerConfig
	level   *levelVar
	traceID string
}

type levelVar struct {
	mu sync.RWMutex
	l  LogLevel
}

func (v *levelVar) get() LogLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.l
}

func (v *levelVar) set(l LogLevel) {
	v.mu.Lock()
	v.l = l
	v.mu.Unlock()
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config ConsoleLoggerConfig) *ConsoleLogger {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	return &ConsoleLogger{
		sink:  &consoleSink{w: config.Writer},
		cfg:   config,
		level: &levelVar{l: config.Level},
	}
}

var (
	bearerTokenPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	oauthTokenPattern  = regexp.MustCompile(`(access_token|refresh_token|id_token)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]+=*`)
	authHeaderPattern  = regexp.MustCompile(`(?i)authorization["']?\s*[:=]\s*["']?[^\s"']+`)
)

// redactSensitiveData redacts credentials from log messages
func redactSensitiveData(s string) string {
	s = bearerTokenPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	s = oauthTokenPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return authHeaderPattern.ReplaceAllString(s, "Authorization: [REDACTED]")
}

var (
	faint      = color.New(color.FgHiBlack)
	scopeColor = color.New(color.FgCyan)
	levelColor = map[LogLevel]*color.Color{
		DEBUG: color.New(color.FgBlue),
		WARN:  color.New(color.FgYellow),
		ERROR: color.New(color.FgRed, color.Bold),
	}
)

func (l *ConsoleLogger) paint(c *color.Color, s string) string {
	if !l.cfg.ColorEnabled || c == nil {
		return s
	}
	c.EnableColor()
	return c.Sprint(s)
}

func (l *ConsoleLogger) clean(s string) string {
	if l.cfg.RedactSensitive {
		return redactSensitiveData(s)
	}
	return s
}

// format renders one line:
//
//	[time] LEVEL [trace] account/node: message key=value, ...
func (l *ConsoleLogger) format(level LogLevel, msg string, fields []Field) string {
	var sb strings.Builder
	if l.cfg.TimestampEnabled {
		sb.WriteString(l.paint(faint, time.Now().Format("2006-01-02 15:04:05")))
		sb.WriteByte(' ')
	}
	sb.WriteString(l.paint(levelColor[level], fmt.Sprintf("%-5s", level.String())))
	sb.WriteByte(' ')

	if l.traceID != "" {
		short := l.traceID
		if len(short) > 8 {
			short = short[:8]
		}
		sb.WriteString(l.paint(faint, "["+short+"]"))
		sb.WriteByte(' ')
	}

	var scope []string
	rest := make([]Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == scopeAccount || f.Key == scopeNode {
			scope = append(scope, fmt.Sprint(f.Value))
			continue
		}
		rest = append(rest, f)
	}
	if len(scope) > 0 {
		sb.WriteString(l.paint(scopeColor, strings.Join(scope, "/")+":"))
		sb.WriteByte(' ')
	}

	sb.WriteString(l.clean(msg))
	for i, f := range rest {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(l.clean(fmt.Sprint(f.Value)))
	}
	return sb.String()
}

func (l *ConsoleLogger) log(level LogLevel, msg string, fields ...Field) {
	if level < l.level.get() {
		return
	}
	line := l.format(level, msg, fields)
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = fmt.Fprintln(l.sink.w, line)
}

func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *ConsoleLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *ConsoleLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// WithTraceID returns a logger that shares this one's writer and level
func (l *ConsoleLogger) WithTraceID(traceID string) Logger {
	derived := *l
	derived.traceID = traceID
	return &derived
}

// WithContext returns a new logger that extracts trace ID from context
func (l *ConsoleLogger) WithContext(ctx context.Context) Logger {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		return l.WithTraceID(traceID)
	}
	return l
}

// SetLevel sets the minimum log level
func (l *ConsoleLogger) SetLevel(level LogLevel) { l.level.set(level) }

func (l *ConsoleLogger) Close() error { return nil }
