package script

import (
	"sync"
	"time"
)

const (
	// DefaultLogCapacity is how many executions the log keeps.
	DefaultLogCapacity = 100
	maxErrorRunes      = 500
)

// LogEntry records one InjectAndExecute call.
type LogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ProcedureName string    `json:"procedure_name"`
	ScriptText    string    `json:"script_text"`
	UserRequest   string    `json:"user_request"`
	Success       bool      `json:"success"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// ExecutionLog is a bounded ring buffer; the oldest entry is evicted first.
type ExecutionLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func NewExecutionLog(capacity int) *ExecutionLog {
	if capacity < 1 {
		capacity = DefaultLogCapacity
	}
	return &ExecutionLog{entries: make([]LogEntry, capacity)}
}

func (l *ExecutionLog) Add(e LogEntry) {
	e.ErrorMessage = truncateRunes(e.ErrorMessage, maxErrorRunes)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns a copy, oldest first.
func (l *ExecutionLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *ExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
