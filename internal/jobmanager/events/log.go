// Package events provides an append-only log of job table transitions.
// Multiple clients can subscribe to a Log and each receive the complete log
// from the beginning, blocking for new entries until the Log is closed.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// initialBufferCapacity is the starting size for the log buffer. A
	// transition encodes to roughly 200 bytes.
	initialBufferCapacity = 16384
)

// Event is a single row transition.
type Event struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Row     int       `json:"row"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Backend string    `json:"backend,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Log stores encoded events in an internal buffer for use by subscribers.
// The buffer grows for the lifetime of the Log.
type Log struct {
	// NOTE: the buffer grows with no upper bound. A run produces at most a
	// handful of transitions per row, so even large grids fit comfortably in
	// memory.
	buffer []byte

	done   chan struct{}
	closed bool
	mu     sync.Mutex
	cond   sync.Cond
}

// NewLog creates an empty Log.
func NewLog() *Log {
	l := &Log{
		buffer: make([]byte, 0, initialBufferCapacity),
		done:   make(chan struct{}),
	}

	l.cond.L = &l.mu

	return l
}

// Write appends p to the log and wakes any waiting subscribers. Writing to a
// closed Log returns io.ErrClosedPipe.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, io.ErrClosedPipe
	}

	l.buffer = append(l.buffer, p...)

	l.cond.Broadcast()

	return len(p), nil
}

// Emit appends e to the log as a single JSON line.
func (l *Log) Emit(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := l.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Close marks the log as complete. Subscribers read the remaining entries and
// then receive io.EOF.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	close(l.done)

	l.cond.Broadcast()

	return nil
}

// Subscribe returns a io.ReadCloser for reading entries from the start of the
// Log. Close cancels the subscription.
func (l *Log) Subscribe() io.ReadCloser {
	return &subscription{log: l}
}

// Done returns a channel that is closed when the Log is closed.
func (l *Log) Done() <-chan struct{} {
	return l.done
}

// subscription replays a Log from its first event and then follows it. Reads
// block until an event is appended, the Log is closed or the subscription is
// cancelled.
type subscription struct {
	log       *Log
	offset    int
	cancelled bool
}

func (s *subscription) Read(p []byte) (int, error) {
	l := s.log

	l.mu.Lock()
	defer l.mu.Unlock()

	for !s.cancelled && !l.closed && s.offset == len(l.buffer) {
		l.cond.Wait()
	}

	if s.cancelled || s.offset == len(l.buffer) {
		return 0, io.EOF
	}

	n := copy(p, l.buffer[s.offset:])
	s.offset += n

	return n, nil
}

// Close cancels the subscription and releases a blocked Read. Closing twice
// returns io.ErrClosedPipe.
func (s *subscription) Close() error {
	l := s.log

	l.mu.Lock()
	defer l.mu.Unlock()

	if s.cancelled {
		return io.ErrClosedPipe
	}

	s.cancelled = true
	l.cond.Broadcast()

	return nil
}
