package logger

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// LogEntry is one captured warning or error.
type LogEntry struct {
	Timestamp time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	MainRow   *int      `json:"main_row,omitempty"`
}

// LogBuffer is a circular buffer of the most recent entries.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
	dropped  int64
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer, overwriting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.size {
		b.dropped++
	}
	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns
// everything held.
func (b *LogBuffer) Recent(limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	out := make([]LogEntry, limit)
	for i := 0; i < limit; i++ {
		idx := (b.writePos - limit + i + b.size) % b.size
		out[i] = b.entries[idx]
	}
	return out
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Dropped returns how many entries were overwritten.
func (b *LogBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Reset empties the buffer.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos, b.count, b.dropped = 0, 0, 0
}

// LogBufferWriter forwards zerolog output and captures warnings and
// errors into a LogBuffer.
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures into the global buffer.
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer. p is one zerolog JSON event.
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	var entry LogEntry
	if json.Unmarshal(p, &entry) == nil && captured(entry.Level) {
		w.buffer.Add(entry)
	}
	return n, err
}

func captured(level string) bool {
	switch level {
	case "warn", "error", "fatal", "panic":
		return true
	}
	return false
}
