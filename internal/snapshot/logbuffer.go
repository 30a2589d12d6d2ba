package snapshot

import (
	"sync"
	"time"
)

// LogEntry is a single line of build output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer retaining the last N build log
// lines, with real-time streaming to subscribers. The buffer is kept
// after a build completes so the log stays queryable.
type LogBuffer struct {
	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	subscribers map[chan LogEntry]struct{}
}

// NewLogBuffer creates a buffer retaining up to maxEntries lines.
func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:     make([]LogEntry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

// Write appends a line and broadcasts it to all subscribers.
func (lb *LogBuffer) Write(line string) {
	entry := LogEntry{Timestamp: time.Now().UTC(), Line: line}

	lb.mu.Lock()
	if len(lb.entries) >= lb.maxEntries {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)

	for ch := range lb.subscribers {
		select {
		case ch <- entry:
		default:
			// subscriber is too slow, drop this entry for them
		}
	}
	lb.mu.Unlock()
}

// Recent returns the last n entries (all of them when n <= 0).
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]LogEntry, n)
	copy(result, lb.entries[total-n:])
	return result
}

// Subscribe returns a channel receiving new lines as they arrive.
// Call Unsubscribe when done to avoid leaks.
func (lb *LogBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	lb.mu.Lock()
	lb.subscribers[ch] = struct{}{}
	lb.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (lb *LogBuffer) Unsubscribe(ch chan LogEntry) {
	lb.mu.Lock()
	delete(lb.subscribers, ch)
	lb.mu.Unlock()
	close(ch)
}
