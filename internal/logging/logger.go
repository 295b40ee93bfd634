package logging

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category identifies the subsystem a log entry originates from.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatBridge    Category = "bridge"
	CatMonitor   Category = "monitor"
	CatConfig    Category = "config"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single structured log record kept in the in-memory ring buffer.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type logger struct {
	mu       sync.Mutex
	entries  []Entry
	head     int
	size     int
	capacity int
	minLevel Level
}

var std = &logger{capacity: 500}

// Init configures the in-memory log buffer size and minimum level.
// Safe to call once at startup before any goroutines log.
func Init(bufferSize int, minLevel Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if bufferSize < 1 {
		bufferSize = 1
	}
	std.capacity = bufferSize
	std.entries = make([]Entry, bufferSize)
	std.head = 0
	std.size = 0
	std.minLevel = minLevel
}

func (l *logger) log(level Level, cat Category, msg string, fields map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	if l.entries == nil {
		l.entries = make([]Entry, l.capacity)
	}
	l.entries[l.head] = Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Fields:   fields,
	}
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	l.mu.Unlock()

	if fields != nil {
		log.Printf("[%s] %s: %s %v", level, cat, msg, fields)
	} else {
		log.Printf("[%s] %s: %s", level, cat, msg)
	}
}

// Debug logs a debug-level entry.
func Debug(cat Category, msg string, fields map[string]any) {
	std.log(LevelDebug, cat, msg, fields)
}

// Info logs an info-level entry.
func Info(cat Category, msg string, fields map[string]any) {
	std.log(LevelInfo, cat, msg, fields)
}

// Warn logs a warn-level entry.
func Warn(cat Category, msg string, fields map[string]any) {
	std.log(LevelWarn, cat, msg, fields)
}

// Error logs an error-level entry.
func Error(cat Category, msg string, fields map[string]any) {
	std.log(LevelError, cat, msg, fields)
}

// GetRecent returns up to limit entries, newest first.
func GetRecent(limit int) []Entry {
	std.mu.Lock()
	defer std.mu.Unlock()

	if limit <= 0 || limit > std.size {
		limit = std.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (std.head - 1 - i + std.capacity) % std.capacity
		out = append(out, std.entries[idx])
	}
	return out
}

// Errorf is a convenience for formatted error entries without fields.
func Errorf(cat Category, format string, args ...any) {
	std.log(LevelError, cat, fmt.Sprintf(format, args...), nil)
}
