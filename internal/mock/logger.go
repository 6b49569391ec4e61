// Package mock holds test doubles for the core interfaces.
package mock

import (
	"sync"
	"trigger_engine/internal/core"
)

// Logger is a no-op core.ILogger that records messages for assertions.
type Logger struct {
	mu       sync.Mutex
	Messages []string
}

// NewLogger creates a recording logger.
func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.record(msg) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.record(msg) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.record(msg) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.record(msg) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.record(msg) }

func (l *Logger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// Contains reports whether any recorded message equals msg.
func (l *Logger) Contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.Messages {
		if m == msg {
			return true
		}
	}
	return false
}
