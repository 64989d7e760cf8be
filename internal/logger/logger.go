package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogEntry is one line kept in the in-memory buffer
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBuffer is a bounded, thread-safe buffer of recent log entries
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	limit   int
}

// NewLogBuffer creates a buffer holding at most limit entries
func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, 0, limit),
		limit:   limit,
	}
}

// GlobalBuffer receives every entry written through loggers built by New
var GlobalBuffer = NewLogBuffer(1000)

// Add appends an entry, dropping the oldest when full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.limit {
		b.entries = b.entries[len(b.entries)-b.limit:]
	}
}

// GetRecent returns up to n entries, newest first. n <= 0 returns all.
func (b *LogBuffer) GetRecent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}

	result := make([]LogEntry, n)
	start := len(b.entries) - n
	copy(result, b.entries[start:])

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Len returns the number of buffered entries
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear empties the buffer and returns how many entries it held
func (b *LogBuffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	b.entries = make([]LogEntry, 0, b.limit)
	return n
}

// Hook returns a zap hook feeding this buffer
func (b *LogBuffer) Hook() func(zapcore.Entry) error {
	return func(e zapcore.Entry) error {
		entry := LogEntry{
			Level:     e.Level.String(),
			Message:   e.Message,
			Timestamp: e.Time,
		}
		if e.Caller.Defined {
			entry.Caller = e.Caller.TrimmedPath()
		}
		b.Add(entry)
		return nil
	}
}

func encoderConfig(levelEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New creates the application logger: a rotating file core and a colored
// console core, both feeding GlobalBuffer
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Output != "" {
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig(zapcore.LowercaseLevelEncoder))
	if cfg.Format == "console" {
		fileEncoder = zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalLevelEncoder))
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalColorLevelEncoder))

	var cores []zapcore.Core

	if cfg.Output != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	if cfg.ConsoleOutput || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level))
	}

	core := zapcore.NewTee(cores...)

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Hooks(GlobalBuffer.Hook()),
	)
	return logger, nil
}

// NewDevelopment creates a console logger at debug level for interactive
// commands
func NewDevelopment() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}
