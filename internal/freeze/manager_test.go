package freeze_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/course/coursetest"
	"github.com/p-n-ai/pai-course/internal/freeze"
	"github.com/p-n-ai/pai-course/internal/progress"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type env struct {
	store  *course.MemoryStore
	ctrl   *progress.Controller
	mgr    *freeze.Manager
	events *activity.MemoryLogger
}

func newEnv(t *testing.T, weeks int) env {
	t.Helper()
	store := course.NewMemoryStore()
	coursetest.Seed(t, store, coursetest.Course("web", weeks, 4))
	events := activity.NewMemoryLogger()
	now := func() time.Time { return start }
	ctrl := progress.NewController(progress.ControllerConfig{Store: store, Events: events, Now: now})
	return env{
		store:  store,
		ctrl:   ctrl,
		events: events,
		mgr:    freeze.NewManager(freeze.Config{Store: store, Progress: ctrl, Events: events, Now: now}),
	}
}

func (e env) enroll(t *testing.T, studentID string) *course.Enrollment {
	t.Helper()
	en, err := e.ctrl.Enroll(context.Background(), studentID, "web", "", 4)
	require.NoError(t, err)
	return en
}

func (e env) completeWeek(t *testing.T, studentID string, k int) {
	t.Helper()
	ctx := context.Background()
	a, err := e.store.CreateAttempt(ctx, course.Attempt{StudentID: studentID, QuizID: coursetest.QuizID("web", k), CurrentSeq: 1, StartedAt: start})
	require.NoError(t, err)
	_, err = e.store.FinalizeAttempt(ctx, a.ID, 4, 4, start.Add(time.Duration(k)*time.Minute))
	require.NoError(t, err)
	sub, err := e.store.CreateSubmission(ctx, course.Submission{AssignmentID: coursetest.AssignmentID("web", k), StudentID: studentID, FileRef: "blob://x", SubmittedAt: start})
	require.NoError(t, err)
	_, err = e.store.GradeSubmission(ctx, sub.ID, 80, "", start)
	require.NoError(t, err)
}

func (e env) unlocked(t *testing.T, en *course.Enrollment) []int {
	t.Helper()
	weeks, err := e.ctrl.UnlockedWeeks(context.Background(), *en)
	require.NoError(t, err)
	return weeks
}

func TestRequest_Validation(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()

	_, err := e.mgr.Request(ctx, "s1", "web", 1, 2)
	assert.ErrorIs(t, err, course.NotEnrolled)

	e.enroll(t, "s1")

	tests := []struct {
		name       string
		start, end int
		field      string
	}{
		{"reversed", 5, 3, "start_week"},
		{"zero start", 0, 2, "start_week"},
		{"start past course", 5, 6, "start_week"},
		{"end past course", 3, 5, "end_week"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.mgr.Request(ctx, "s1", "web", tt.start, tt.end)
			require.ErrorIs(t, err, course.InvalidRange)
			var de *course.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.field, de.Field)
		})
	}

	f, err := e.mgr.Request(ctx, "s1", "web", 4, 4)
	require.NoError(t, err)
	assert.Equal(t, course.FreezePending, f.Status)
	assert.Equal(t, 1, f.DurationWeeks())

	_, err = e.mgr.Request(ctx, "s1", "web", 2, 3)
	assert.ErrorIs(t, err, course.ConflictingFreeze)
}

func TestReview(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()
	e.enroll(t, "s1")

	f, err := e.mgr.Request(ctx, "s1", "web", 2, 3)
	require.NoError(t, err)

	rejected, err := e.mgr.Reject(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, course.FreezeRejected, rejected.Status)

	_, err = e.mgr.Approve(ctx, f.ID)
	assert.ErrorIs(t, err, course.InvalidTransition)
	_, _, err = e.mgr.Resume(ctx, "s1", f.ID)
	assert.ErrorIs(t, err, course.InvalidTransition)

	// A rejected freeze frees the slot.
	f, err = e.mgr.Request(ctx, "s1", "web", 2, 3)
	require.NoError(t, err)
	approved, err := e.mgr.Approve(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, course.FreezeApproved, approved.Status)
	assert.Equal(t, 1, approved.FrontierWeek)

	_, err = e.mgr.Reject(ctx, f.ID)
	assert.ErrorIs(t, err, course.InvalidTransition)

	_, _, err = e.mgr.Resume(ctx, "someone-else", f.ID)
	assert.ErrorIs(t, err, course.Forbidden)

	assert.Equal(t, []string{
		activity.Enrolled,
		activity.FreezeRequested,
		activity.FreezeRejected,
		activity.FreezeRequested,
		activity.FreezeApproved,
	}, e.events.Types())
}

func TestList(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()
	e.enroll(t, "s1")
	e.enroll(t, "s2")

	f1, err := e.mgr.Request(ctx, "s1", "web", 2, 2)
	require.NoError(t, err)
	_, err = e.mgr.Request(ctx, "s2", "web", 3, 4)
	require.NoError(t, err)
	_, err = e.mgr.Approve(ctx, f1.ID)
	require.NoError(t, err)

	all, err := e.mgr.List(ctx, course.FreezeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := e.mgr.List(ctx, course.FreezeFilter{StudentID: "s1", CourseID: "web"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, f1.ID, mine[0].ID)

	pending, err := e.mgr.List(ctx, course.FreezeFilter{Status: course.FreezePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].StudentID)

	_, err = e.mgr.Get(ctx, "s2", f1.ID)
	assert.ErrorIs(t, err, course.Forbidden)
	got, err := e.mgr.Get(ctx, "", f1.ID)
	require.NoError(t, err)
	assert.Equal(t, course.FreezeApproved, got.Status)
}

func TestFreezeScenario(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()

	en := e.enroll(t, "5003")
	assert.Equal(t, []int{1}, e.unlocked(t, en))

	e.completeWeek(t, "5003", 1)
	assert.Equal(t, []int{1, 2}, e.unlocked(t, en))

	f, err := e.mgr.Request(ctx, "5003", "web", 2, 3)
	require.NoError(t, err)
	f, err = e.mgr.Approve(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.FrontierWeek)
	assert.Equal(t, []int{1, 2}, e.unlocked(t, en))

	// Finishing week 2 during the freeze does not open week 3.
	e.completeWeek(t, "5003", 2)
	assert.Equal(t, []int{1, 2}, e.unlocked(t, en))
	assert.ErrorIs(t, e.ctrl.EnsureWeekUnlocked(ctx, "5003", "web", 3), course.WeekLocked)
	assert.NoError(t, e.ctrl.EnsureWeekUnlocked(ctx, "5003", "web", 2))

	resumed, updated, err := e.mgr.Resume(ctx, "5003", f.ID)
	require.NoError(t, err)
	assert.Equal(t, course.FreezeResumed, resumed.Status)
	assert.True(t, updated.PlannedEndDate.Equal(en.PlannedEndDate.AddDate(0, 0, 14)),
		"planned end %v, want %v", updated.PlannedEndDate, en.PlannedEndDate.AddDate(0, 0, 14))
	assert.Equal(t, []int{1, 2, 3}, e.unlocked(t, en))

	_, _, err = e.mgr.Resume(ctx, "5003", f.ID)
	assert.ErrorIs(t, err, course.InvalidTransition)
}

func TestFreezeBeforeWeekReached(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()
	en := e.enroll(t, "s1")

	f, err := e.mgr.Request(ctx, "s1", "web", 2, 2)
	require.NoError(t, err)
	_, err = e.mgr.Approve(ctx, f.ID)
	require.NoError(t, err)

	e.completeWeek(t, "s1", 1)
	assert.Equal(t, []int{1}, e.unlocked(t, en), "week 2 is frozen")

	_, _, err = e.mgr.Resume(ctx, "s1", f.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, e.unlocked(t, en))
}

func TestApprove_FailsClosed(t *testing.T) {
	e := newEnv(t, 4)
	ctx := t.Context()
	e.enroll(t, "s1")
	f, err := e.mgr.Request(ctx, "s1", "web", 2, 3)
	require.NoError(t, err)

	e.store.SetDown(true)
	_, err = e.mgr.Approve(ctx, f.ID)
	assert.True(t, course.IsRetryable(err), "err = %v", err)
}
