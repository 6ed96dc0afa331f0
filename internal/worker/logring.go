package worker

import (
	"sync"
	"time"
)

// LogCapacity is the number of entries a job keeps; older ones are evicted.
const LogCapacity = 100

// LogLevel classifies a job log entry for display.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one user-facing progress line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// logRing is a fixed-capacity FIFO of log entries.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int // write position once full
	full    bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]LogEntry, 0, capacity)}
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		r.entries = append(r.entries, e)
		if len(r.entries) == cap(r.entries) {
			r.full = true
		}
		return
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
}

// snapshot returns the entries oldest first. The result is never nil.
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, 0, len(r.entries))
	if !r.full {
		return append(out, r.entries...)
	}
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}
