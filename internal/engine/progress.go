package engine

import (
	"fmt"
	"sync"
)

// EventKind classifies engine events.
type EventKind string

const (
	EventAssistant EventKind = "assistant"
	EventLaunched  EventKind = "launched"
	EventProgress  EventKind = "progress"
	EventFeed      EventKind = "feed"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStopped   EventKind = "stopped"
)

// Event is emitted to observers while a conversation and its job run.
type Event struct {
	Kind     EventKind `json:"kind"`
	JobID    string    `json:"jobId,omitempty"`
	Agent    string    `json:"agent,omitempty"`
	Text     string    `json:"text,omitempty"`
	Progress int       `json:"progress,omitempty"`
}

// ProgressReporter emits events through a buffered channel.
type ProgressReporter struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewProgressReporter creates a ProgressReporter with a buffered channel of size 64.
func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{ch: make(chan Event, 64)}
}

// Emit sends an event without blocking. Events are dropped when the
// channel is full or the reporter is closed.
func (pr *ProgressReporter) Emit(event Event) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if pr.closed {
		return
	}
	select {
	case pr.ch <- event:
	default:
	}
}

// Subscribe returns a read-only channel for consuming events.
func (pr *ProgressReporter) Subscribe() <-chan Event {
	return pr.ch
}

// Close closes the event channel. Safe to call more than once.
func (pr *ProgressReporter) Close() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if !pr.closed {
		pr.closed = true
		close(pr.ch)
	}
}

// FormatEvent formats an Event as a human-readable status line.
func FormatEvent(event Event) string {
	switch event.Kind {
	case EventAssistant:
		return event.Text
	case EventLaunched:
		return fmt.Sprintf("  ○ %s (launched)", event.JobID)
	case EventProgress:
		return fmt.Sprintf("  ● %s %d%%", event.Agent, event.Progress)
	case EventFeed:
		return fmt.Sprintf("  · %s", event.Text)
	case EventCompleted:
		return fmt.Sprintf("  ✓ %s complete", event.JobID)
	case EventFailed:
		return fmt.Sprintf("  ✗ %s failed: %s", event.JobID, event.Text)
	case EventStopped:
		return fmt.Sprintf("  ✗ %s stopped", event.JobID)
	default:
		return fmt.Sprintf("  ? %s (unknown event)", event.Kind)
	}
}
