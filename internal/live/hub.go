// Package live fans out quiz attempt events to connected clients.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	QuestionStarted  = "question_started"
	QuestionResolved = "question_resolved"
	AttemptSubmitted = "attempt_submitted"
	AttemptAbandoned = "attempt_abandoned"
)

// Event is one state change of a quiz attempt.
type Event struct {
	Type       string     `json:"type"`
	AttemptID  string     `json:"attempt_id"`
	Seq        int        `json:"seq,omitempty"`
	Text       string     `json:"text,omitempty"`
	Options    []string   `json:"options,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	TimedOut   bool       `json:"timed_out,omitempty"`
	Score      *int       `json:"score,omitempty"`
	Total      int        `json:"total,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Hub publishes attempt events and lets clients follow one attempt.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events for the attempt. The channel is
	// closed after cancel is called or ctx ends.
	Subscribe(ctx context.Context, attemptID string) (events <-chan Event, cancel func(), err error)
}

const subscriberBuffer = 16

// MemoryHub is an in-process Hub. Slow subscribers drop events rather than
// block the publishing session.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryHub creates an in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *MemoryHub) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[event.AttemptID] {
		select {
		case s.ch <- event:
		default:
			slog.Debug("dropping live event for slow subscriber",
				"attempt_id", event.AttemptID,
				"type", event.Type,
			)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, attemptID string) (<-chan Event, func(), error) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[attemptID] == nil {
		h.subs[attemptID] = make(map[*subscriber]struct{})
	}
	h.subs[attemptID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stopped)
			h.mu.Lock()
			delete(h.subs[attemptID], s)
			if len(h.subs[attemptID]) == 0 {
				delete(h.subs, attemptID)
			}
			h.mu.Unlock()
			s.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()
	return s.ch, cancel, nil
}

// Subscribers returns the number of subscribers following the attempt.
func (h *MemoryHub) Subscribers(attemptID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[attemptID])
}
