// Package freeze manages pauses of a student's week-unlock progression.
package freeze

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
)

// Progress is the part of the progression controller the freeze manager reads.
type Progress interface {
	ActiveEnrollment(ctx context.Context, studentID, courseID string) (*course.Enrollment, error)
	Frontier(ctx context.Context, studentID, courseID string) (int, error)
}

// Config holds dependencies for the freeze manager.
type Config struct {
	Store    course.Store
	Progress Progress
	Events   activity.Logger
	Now      func() time.Time
}

// Manager validates and applies freeze requests and their review.
type Manager struct {
	store    course.Store
	progress Progress
	events   activity.Logger
	now      func() time.Time
}

// NewManager creates a freeze manager.
func NewManager(cfg Config) *Manager {
	events := cfg.Events
	if events == nil {
		events = activity.NopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		progress: cfg.Progress,
		events:   events,
		now:      now,
	}
}

// Request creates a Pending freeze over weeks [startWeek, endWeek] of the
// student's enrolled course.
func (m *Manager) Request(ctx context.Context, studentID, courseID string, startWeek, endWeek int) (*course.Freeze, error) {
	const op = "RequestFreeze"
	if _, err := m.progress.ActiveEnrollment(ctx, studentID, courseID); err != nil {
		return nil, err
	}
	c, err := m.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if err := checkRange(op, startWeek, endWeek, c.WeekCount()); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	f, err := m.store.CreateFreeze(ctx, course.Freeze{
		StudentID: studentID,
		CourseID:  courseID,
		StartWeek: startWeek,
		EndWeek:   endWeek,
		Status:    course.FreezePending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("freeze requested",
		"freeze_id", f.ID,
		"student_id", studentID,
		"course_id", courseID,
		"start_week", startWeek,
		"end_week", endWeek,
	)
	m.record(ctx, f, activity.FreezeRequested)
	return f, nil
}

func checkRange(op string, start, end, weeks int) error {
	e := course.InvalidRange.With(op, "")
	switch {
	case start > end:
		e.Field = "start_week"
		e.Message = "start week is after end week"
	case start < 1 || start > weeks:
		e.Field = "start_week"
		e.Message = "start week is outside the course"
	case end > weeks:
		e.Field = "end_week"
		e.Message = "end week is outside the course"
	default:
		return nil
	}
	return e
}

// Approve moves a Pending freeze to Approved. The student's current frontier
// is recorded so weeks already reached stay reachable during the freeze.
func (m *Manager) Approve(ctx context.Context, freezeID string) (*course.Freeze, error) {
	const op = "ApproveFreeze"
	f, err := m.store.GetFreeze(ctx, freezeID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if f.Status != course.FreezePending {
		return nil, course.InvalidTransition.With(op, freezeID)
	}
	frontier, err := m.progress.Frontier(ctx, f.StudentID, f.CourseID)
	if err != nil {
		return nil, err
	}

	f, err = m.store.TransitionFreeze(ctx, freezeID, course.FreezePending, course.FreezeApproved, frontier, m.now().UTC())
	if err != nil {
		return nil, course.Lift(op, err)
	}
	slog.Info("freeze approved", "freeze_id", f.ID, "student_id", f.StudentID, "frontier_week", frontier)
	m.record(ctx, f, activity.FreezeApproved)
	return f, nil
}

// Reject moves a Pending freeze to Rejected.
func (m *Manager) Reject(ctx context.Context, freezeID string) (*course.Freeze, error) {
	f, err := m.store.TransitionFreeze(ctx, freezeID, course.FreezePending, course.FreezeRejected, 0, m.now().UTC())
	if err != nil {
		return nil, course.Lift("RejectFreeze", err)
	}
	slog.Info("freeze rejected", "freeze_id", f.ID, "student_id", f.StudentID)
	m.record(ctx, f, activity.FreezeRejected)
	return f, nil
}

// Resume ends the student's Approved freeze and extends the enrollment's
// planned end date by the freeze duration. Weeks are not unlocked retroactively.
func (m *Manager) Resume(ctx context.Context, studentID, freezeID string) (*course.Freeze, *course.Enrollment, error) {
	const op = "ResumeFreeze"
	f, err := m.store.GetFreeze(ctx, freezeID)
	if err != nil {
		return nil, nil, course.Lift(op, err)
	}
	if f.StudentID != studentID {
		return nil, nil, course.Forbidden.With(op, freezeID)
	}

	extend := time.Duration(f.DurationWeeks()) * 7 * 24 * time.Hour
	f, e, err := m.store.ResumeFreeze(ctx, freezeID, extend, m.now().UTC())
	if err != nil {
		return nil, nil, course.Lift(op, err)
	}
	slog.Info("freeze resumed",
		"freeze_id", f.ID,
		"student_id", f.StudentID,
		"planned_end_date", e.PlannedEndDate,
	)
	m.record(ctx, f, activity.FreezeResumed)
	return f, e, nil
}

// Get returns a freeze. Students may only read their own; pass an empty
// studentID for staff access.
func (m *Manager) Get(ctx context.Context, studentID, freezeID string) (*course.Freeze, error) {
	f, err := m.store.GetFreeze(ctx, freezeID)
	if err != nil {
		return nil, course.Lift("GetFreeze", err)
	}
	if studentID != "" && f.StudentID != studentID {
		return nil, course.Forbidden.With("GetFreeze", freezeID)
	}
	return f, nil
}

// List returns freezes newest first.
func (m *Manager) List(ctx context.Context, filter course.FreezeFilter) ([]course.Freeze, error) {
	freezes, err := m.store.ListFreezes(ctx, filter)
	if err != nil {
		return nil, course.Lift("ListFreezes", err)
	}
	return freezes, nil
}

func (m *Manager) record(ctx context.Context, f *course.Freeze, typ string) {
	activity.Record(ctx, m.events, activity.Event{
		StudentID: f.StudentID,
		CourseID:  f.CourseID,
		Type:      typ,
		SubjectID: f.ID,
		Data: map[string]any{
			"start_week":    f.StartWeek,
			"end_week":      f.EndWeek,
			"frontier_week": f.FrontierWeek,
		},
	})
}
