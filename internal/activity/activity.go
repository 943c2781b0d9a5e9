// Package activity records business events of the progression engine.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// Event types.
const (
	Enrolled             = "enrolled"
	LectureViewed        = "lecture_viewed"
	AttemptStarted       = "attempt_started"
	AttemptSubmitted     = "attempt_submitted"
	AttemptAbandoned     = "attempt_abandoned"
	AssignmentSubmitted  = "assignment_submitted"
	SubmissionGraded     = "submission_graded"
	FreezeRequested      = "freeze_requested"
	FreezeApproved       = "freeze_approved"
	FreezeRejected       = "freeze_rejected"
	FreezeResumed        = "freeze_resumed"
	CertificateRequested = "certificate_requested"
	CertificateIssued    = "certificate_issued"
	CertificateRejected  = "certificate_rejected"
)

// Event is one entry in the activity log.
type Event struct {
	StudentID string         `json:"student_id"`
	CourseID  string         `json:"course_id,omitempty"`
	Type      string         `json:"type"`
	SubjectID string         `json:"subject_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows List. Empty fields match everything; Limit 0 means 100.
type Filter struct {
	StudentID string
	Type      string
	Limit     int
}

// Logger appends events.
type Logger interface {
	LogEvent(ctx context.Context, event Event) error
}

// Reader lists recorded events, newest first.
type Reader interface {
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Record logs an event and only warns on failure. The activity log never
// fails the operation that produced the event.
func Record(ctx context.Context, l Logger, event Event) {
	if l == nil {
		return
	}
	if err := l.LogEvent(ctx, event); err != nil {
		slog.Warn("failed to record activity",
			"type", event.Type,
			"student_id", event.StudentID,
			"error", err,
		)
	}
}

func validate(event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.StudentID == "" {
		return fmt.Errorf("student_id is required")
	}
	return nil
}

// NopLogger ignores all events.
type NopLogger struct{}

func (NopLogger) LogEvent(context.Context, Event) error {
	return nil
}

func (NopLogger) List(context.Context, Filter) ([]Event, error) {
	return nil, nil
}

// MemoryLogger keeps events in memory, for tests and the memory store driver.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{events: []Event{}}
}

func (l *MemoryLogger) LogEvent(_ context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

// Events returns every event in insertion order.
func (l *MemoryLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

// Types returns the event types in insertion order.
func (l *MemoryLogger) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *MemoryLogger) List(_ context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.events[i]
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PostgresLogger inserts events into the activity_events table.
type PostgresLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresLogger(pool *pgxpool.Pool) *PostgresLogger {
	return &PostgresLogger{pool: pool}
}

func (l *PostgresLogger) LogEvent(ctx context.Context, event Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("activity logger pool is nil")
	}
	if err := validate(event); err != nil {
		return err
	}

	payload := event.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO activity_events (student_id, course_id, event_type, subject_id, data, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		event.StudentID, event.CourseID, event.Type, event.SubjectID, string(data), createdAt,
	); err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}

	slog.Debug("activity logged",
		"type", event.Type,
		"student_id", event.StudentID,
		"subject_id", event.SubjectID,
	)
	return nil
}

func (l *PostgresLogger) List(ctx context.Context, filter Filter) ([]Event, error) {
	if l == nil || l.pool == nil {
		return nil, fmt.Errorf("activity logger pool is nil")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := l.pool.Query(ctx,
		`SELECT student_id, course_id, event_type, subject_id, data, created_at
		 FROM activity_events
		 WHERE ($1 = '' OR student_id = $1) AND ($2 = '' OR event_type = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		filter.StudentID, filter.Type, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		var data []byte
		if err := row.Scan(&e.StudentID, &e.CourseID, &e.Type, &e.SubjectID, &data, &e.CreatedAt); err != nil {
			return e, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return e, fmt.Errorf("decode event data: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect activity events: %w", err)
	}
	return events, nil
}
