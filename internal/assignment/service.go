// Package assignment handles assignment submissions and their grading.
package assignment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
)

// WeekGate reports whether a student may work on a week of a course.
type WeekGate interface {
	EnsureWeekUnlocked(ctx context.Context, studentID, courseID string, ordinal int) error
}

// Config holds dependencies for the assignment service.
type Config struct {
	Store  course.Store
	Gate   WeekGate
	Events activity.Logger
	Now    func() time.Time
}

// Service accepts submissions on unlocked weeks and records grades.
type Service struct {
	store  course.Store
	gate   WeekGate
	events activity.Logger
	now    func() time.Time
}

// NewService creates an assignment service.
func NewService(cfg Config) *Service {
	events := cfg.Events
	if events == nil {
		events = activity.NopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{store: cfg.Store, gate: cfg.Gate, events: events, now: now}
}

// Submit records the student's upload for an assignment. A student submits
// each assignment once.
func (s *Service) Submit(ctx context.Context, studentID, assignmentID, fileRef string) (*course.Submission, error) {
	const op = "SubmitAssignment"
	if strings.TrimSpace(fileRef) == "" {
		return nil, course.Invalid(op, "file_ref", "is required")
	}
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if err := s.gate.EnsureWeekUnlocked(ctx, studentID, a.CourseID, a.Ordinal); err != nil {
		return nil, err
	}

	sub, err := s.store.CreateSubmission(ctx, course.Submission{
		AssignmentID: assignmentID,
		StudentID:    studentID,
		FileRef:      fileRef,
		SubmittedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("assignment submitted", "submission_id", sub.ID, "assignment_id", assignmentID, "student_id", studentID)
	activity.Record(ctx, s.events, activity.Event{
		StudentID: studentID,
		CourseID:  a.CourseID,
		Type:      activity.AssignmentSubmitted,
		SubjectID: sub.ID,
		Data:      map[string]any{"assignment_id": assignmentID},
	})
	return sub, nil
}

// Grade records marks for a submission. Marks must lie within the
// assignment's total; a graded submission never changes.
func (s *Service) Grade(ctx context.Context, submissionID string, marks int, remarks string) (*course.Submission, error) {
	const op = "GradeSubmission"
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if sub.Graded {
		return nil, course.AlreadyGraded.With(op, submissionID)
	}
	a, err := s.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if marks < 0 || marks > a.TotalMarks {
		e := course.Invalid(op, "obtained_marks", "must be between 0 and the assignment's total marks")
		e.Resource = submissionID
		return nil, e
	}

	graded, err := s.store.GradeSubmission(ctx, submissionID, marks, remarks, s.now().UTC())
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("submission graded", "submission_id", submissionID, "student_id", graded.StudentID, "marks", marks)
	activity.Record(ctx, s.events, activity.Event{
		StudentID: graded.StudentID,
		CourseID:  a.CourseID,
		Type:      activity.SubmissionGraded,
		SubjectID: submissionID,
		Data:      map[string]any{"obtained_marks": marks, "total_marks": a.TotalMarks},
	})
	return graded, nil
}

// Pending returns the ungraded submissions of a course, oldest first.
func (s *Service) Pending(ctx context.Context, courseID string) ([]course.Submission, error) {
	subs, err := s.store.PendingSubmissions(ctx, courseID)
	if err != nil {
		return nil, course.Lift("PendingSubmissions", err)
	}
	return subs, nil
}

// Get returns a submission. Students may only read their own; pass an empty
// studentID for staff access.
func (s *Service) Get(ctx context.Context, studentID, submissionID string) (*course.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, course.Lift("GetSubmission", err)
	}
	if studentID != "" && sub.StudentID != studentID {
		return nil, course.Forbidden.With("GetSubmission", submissionID)
	}
	return sub, nil
}
