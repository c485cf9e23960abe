package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLoggerConfig contains configuration for file logger
type FileLoggerConfig struct {
	FilePath        string
	Level           LogLevel
	MaxFileSize     int64 // in bytes, 0 means the lumberjack default
	MaxBackups      int
	MaxAgeDays      int
	RedactSensitive bool
}

type fileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// FileLogger writes JSON lines to a size-rotated log file. The account and
// node fields are lifted to the top of each entry so one account's history
// can be filtered without parsing the field map.
type FileLogger struct {
	sink    *fileSink
	level   *levelVar
	redact  bool
	traceID string
	owner   bool
}

// NewFileLogger creates a new file logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// lumberjack opens lazily; touch the file so misconfiguration surfaces here.
	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close log file: %w", err)
	}

	maxMB := 0
	if config.MaxFileSize > 0 {
		maxMB = int((config.MaxFileSize + (1<<20 - 1)) >> 20)
	}
	return &FileLogger{
		sink: &fileSink{out: &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}},
		level:  &levelVar{l: config.Level},
		redact: config.RedactSensitive,
		owner:  true,
	}, nil
}

func (l *FileLogger) entry(level LogLevel, msg string, fields []Field) LogEntry {
	e := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		TraceID:   l.traceID,
	}
	if l.redact {
		e.Message = redactSensitiveData(msg)
	}
	for _, f := range fields {
		value := f.Value
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		if s, ok := value.(string); ok {
			if l.redact {
				s = redactSensitiveData(s)
			}
			switch f.Key {
			case scopeAccount:
				e.Account = s
				continue
			case scopeNode:
				e.Node = s
				continue
			}
			value = s
		}
		if e.Fields == nil {
			e.Fields = make(map[string]interface{}, len(fields))
		}
		e.Fields[f.Key] = value
	}
	return e
}

func (l *FileLogger) log(level LogLevel, msg string, fields ...Field) {
	if level < l.level.get() {
		return
	}
	data, err := json.Marshal(l.entry(level, msg, fields))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if _, err := l.sink.out.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log entry: %v\n", err)
	}
}

func (l *FileLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *FileLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *FileLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *FileLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// WithTraceID returns a logger sharing the same file with the trace ID set
func (l *FileLogger) WithTraceID(traceID string) Logger {
	derived := *l
	derived.traceID = traceID
	derived.owner = false
	return &derived
}

// WithContext returns a new logger that extracts trace ID from context
func (l *FileLogger) WithContext(ctx context.Context) Logger {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		return l.WithTraceID(traceID)
	}
	return l
}

func (l *FileLogger) SetLevel(level LogLevel) { l.level.set(level) }

// Close closes the log file. Derived loggers share the file and do not close it.
func (l *FileLogger) Close() error {
	if !l.owner {
		return nil
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.out.Close()
}
