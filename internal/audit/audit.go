// Package audit writes an append-only, rotated JSON log of every admission
// decision and tool invocation, independent of the application's regular
// structured logging.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one audit record.
type Entry struct {
	Time          string         `json:"time"`
	CorrelationID string         `json:"correlationId,omitempty"`
	RemoteAddr    string         `json:"remoteAddr,omitempty"`
	Event         string         `json:"event"`
	Tool          string         `json:"tool,omitempty"`
	Slug          string         `json:"slug,omitempty"`
	Outcome       string         `json:"outcome"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Logger appends Entry records to a rotated file.
type Logger struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	enc    *json.Encoder
}

// Config controls log rotation, mirroring the rest of task-mcp's rotated
// logs (see internal/config).
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New opens (creating if needed) the audit log at cfg.Path.
func New(cfg Config) *Logger {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l := &Logger{writer: w}
	l.enc = json.NewEncoder(w)
	return l
}

// Record appends one entry, stamping Time if unset.
func (l *Logger) Record(e Entry) error {
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(e)
}

// Close flushes and closes the underlying rotated file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}
