package course_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/course/coursetest"
)

// testStoreContract runs the behaviour every Store implementation must share.
func testStoreContract(t *testing.T, s course.Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	coursetest.Seed(t, s, coursetest.Course("web", 3, 2))

	t.Run("catalog round trip", func(t *testing.T) {
		c, err := s.GetCourse(ctx, "web")
		require.NoError(t, err)
		require.Equal(t, 3, c.WeekCount())
		w2, ok := c.Week(2)
		require.True(t, ok)
		require.NotNil(t, w2.Quiz)
		assert.Equal(t, coursetest.QuizID("web", 2), w2.Quiz.ID)
		assert.Len(t, w2.Quiz.Questions, 2)
		assert.Len(t, w2.Assignments, 1)

		q, err := s.GetQuiz(ctx, coursetest.QuizID("web", 3))
		require.NoError(t, err)
		assert.Equal(t, "web", q.CourseID)
		assert.Equal(t, 3, q.Ordinal)
		assert.Equal(t, "Paris", q.Questions[0].Correct)

		courseID, ordinal, err := s.GetLectureWeek(ctx, coursetest.LectureID("web", 2))
		require.NoError(t, err)
		assert.Equal(t, "web", courseID)
		assert.Equal(t, 2, ordinal)

		_, err = s.GetCourse(ctx, "missing")
		assert.ErrorIs(t, err, course.ErrNotFound)
	})

	t.Run("enrollment uniqueness", func(t *testing.T) {
		e := course.Enrollment{StudentID: "s-enroll", CourseID: "web", StartDate: now, PlannedEndDate: now.AddDate(0, 0, 21), TimeframeWeeks: 3, Active: true}
		first, err := s.CreateEnrollment(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, course.CertificateNotRequested, first.CertificateStatus)

		_, err = s.CreateEnrollment(ctx, e)
		assert.ErrorIs(t, err, course.AlreadyEnrolled)
		assert.ErrorIs(t, err, course.ErrConflict)

		found, err := s.FindEnrollment(ctx, "s-enroll", "web")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
	})

	t.Run("certificate transitions", func(t *testing.T) {
		e, err := s.CreateEnrollment(ctx, course.Enrollment{StudentID: "s-cert", CourseID: "web", StartDate: now, PlannedEndDate: now, TimeframeWeeks: 1, Active: true})
		require.NoError(t, err)

		got, err := s.TransitionCertificate(ctx, e.ID, []course.CertificateStatus{course.CertificateNotRequested}, course.CertificatePending, "", "")
		require.NoError(t, err)
		assert.Equal(t, course.CertificatePending, got.CertificateStatus)

		_, err = s.TransitionCertificate(ctx, e.ID, []course.CertificateStatus{course.CertificateNotRequested}, course.CertificatePending, "", "")
		assert.ErrorIs(t, err, course.InvalidTransition)

		got, err = s.TransitionCertificate(ctx, e.ID, []course.CertificateStatus{course.CertificatePending}, course.CertificateIssued, "doc://1", "abc")
		require.NoError(t, err)
		assert.Equal(t, "doc://1", got.CertificateRef)

		reqs, err := s.ListCertificateRequests(ctx)
		require.NoError(t, err)
		var ids []string
		for _, r := range reqs {
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, e.ID)
	})

	t.Run("lecture views", func(t *testing.T) {
		lid := coursetest.LectureID("web", 1)
		require.NoError(t, s.MarkLectureViewed(ctx, "s-view", lid))
		require.NoError(t, s.MarkLectureViewed(ctx, "s-view", lid))

		viewed, err := s.ViewedLectures(ctx, "s-view", "web")
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{lid: true}, viewed)

		err = s.MarkLectureViewed(ctx, "s-view", "nope")
		assert.ErrorIs(t, err, course.ErrNotFound)
	})

	t.Run("attempt lifecycle", func(t *testing.T) {
		quizID := coursetest.QuizID("web", 1)
		a, err := s.CreateAttempt(ctx, course.Attempt{StudentID: "s-att", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now.Add(30 * time.Second), StartedAt: now, TotalQuestions: 2})
		require.NoError(t, err)
		assert.Equal(t, course.AttemptInProgress, a.Status)

		_, err = s.CreateAttempt(ctx, course.Attempt{StudentID: "s-att", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now, StartedAt: now})
		assert.ErrorIs(t, err, course.AttemptAlreadyActive)

		answer := "Paris"
		ok, err := s.ResolveQuestion(ctx, a.ID, 1, &answer, 2, now.Add(60*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		// A late duplicate for seq 1 is not applied.
		other := "Berlin"
		ok, err = s.ResolveQuestion(ctx, a.ID, 1, &other, 2, now.Add(90*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ResolveQuestion(ctx, a.ID, 2, nil, 3, now.Add(90*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, got.Answers, 2)
		require.NotNil(t, got.Answers[1])
		assert.Equal(t, "Paris", *got.Answers[1])
		assert.Nil(t, got.Answers[2])
		assert.Equal(t, 3, got.CurrentSeq)

		done, err := s.FinalizeAttempt(ctx, a.ID, 1, 2, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, course.AttemptSubmitted, done.Status)

		again, err := s.FinalizeAttempt(ctx, a.ID, 2, 2, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, again.Score, "second finalize must return the stored result")

		_, err = s.AbandonAttempt(ctx, a.ID, now)
		assert.ErrorIs(t, err, course.InvalidTransition)

		// The slot is free again once the first attempt is submitted.
		retake, err := s.CreateAttempt(ctx, course.Attempt{StudentID: "s-att", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now, StartedAt: now.Add(3 * time.Minute), TotalQuestions: 2})
		require.NoError(t, err)
		_, err = s.FinalizeAttempt(ctx, retake.ID, 2, 2, now.Add(4*time.Minute))
		require.NoError(t, err)

		latest, err := s.LatestSubmittedAttempts(ctx, "s-att", "web")
		require.NoError(t, err)
		assert.Equal(t, retake.ID, latest[quizID].ID)
		assert.Equal(t, 2, latest[quizID].Score)
	})

	t.Run("abandon frees the slot", func(t *testing.T) {
		quizID := coursetest.QuizID("web", 2)
		a, err := s.CreateAttempt(ctx, course.Attempt{StudentID: "s-abandon", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now, StartedAt: now})
		require.NoError(t, err)

		inProgress, err := s.ListInProgressAttempts(ctx)
		require.NoError(t, err)
		var found bool
		for _, ip := range inProgress {
			found = found || ip.ID == a.ID
		}
		assert.True(t, found)

		got, err := s.AbandonAttempt(ctx, a.ID, now)
		require.NoError(t, err)
		assert.Equal(t, course.AttemptAbandoned, got.Status)

		_, err = s.FinalizeAttempt(ctx, a.ID, 0, 2, now)
		assert.ErrorIs(t, err, course.InvalidTransition)

		_, err = s.CreateAttempt(ctx, course.Attempt{StudentID: "s-abandon", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now, StartedAt: now})
		assert.NoError(t, err)
	})

	t.Run("concurrent starts take one slot", func(t *testing.T) {
		quizID := coursetest.QuizID("web", 3)
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateAttempt(ctx, course.Attempt{StudentID: "s-race", QuizID: quizID, CurrentSeq: 1, QuestionDeadline: now, StartedAt: now})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var ok, conflicts int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, course.AttemptAlreadyActive):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("submissions", func(t *testing.T) {
		aid := coursetest.AssignmentID("web", 1)
		sub, err := s.CreateSubmission(ctx, course.Submission{AssignmentID: aid, StudentID: "s-sub", FileRef: "blob://1", SubmittedAt: now})
		require.NoError(t, err)
		assert.False(t, sub.Graded)

		_, err = s.CreateSubmission(ctx, course.Submission{AssignmentID: aid, StudentID: "s-sub", FileRef: "blob://2", SubmittedAt: now})
		assert.ErrorIs(t, err, course.AlreadySubmitted)

		pending, err := s.PendingSubmissions(ctx, "web")
		require.NoError(t, err)
		var ids []string
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, sub.ID)

		graded, err := s.GradeSubmission(ctx, sub.ID, 80, "good", now)
		require.NoError(t, err)
		assert.True(t, graded.Graded)
		assert.Equal(t, 80, graded.ObtainedMarks)

		_, err = s.GradeSubmission(ctx, sub.ID, 90, "regrade", now)
		assert.ErrorIs(t, err, course.AlreadyGraded)

		mine, err := s.StudentSubmissions(ctx, "s-sub", "web")
		require.NoError(t, err)
		assert.Equal(t, 80, mine[aid].ObtainedMarks)
	})

	t.Run("freeze lifecycle", func(t *testing.T) {
		start := now
		_, err := s.CreateEnrollment(ctx, course.Enrollment{StudentID: "s-freeze", CourseID: "web", StartDate: start, PlannedEndDate: start.AddDate(0, 0, 21), TimeframeWeeks: 3, Active: true})
		require.NoError(t, err)

		f, err := s.CreateFreeze(ctx, course.Freeze{StudentID: "s-freeze", CourseID: "web", StartWeek: 2, EndWeek: 3, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		assert.Equal(t, course.FreezePending, f.Status)

		_, err = s.CreateFreeze(ctx, course.Freeze{StudentID: "s-freeze", CourseID: "web", StartWeek: 1, EndWeek: 1, CreatedAt: now, UpdatedAt: now})
		assert.ErrorIs(t, err, course.ConflictingFreeze)

		_, _, err = s.ResumeFreeze(ctx, f.ID, time.Hour, now)
		assert.ErrorIs(t, err, course.InvalidTransition)

		approved, err := s.TransitionFreeze(ctx, f.ID, course.FreezePending, course.FreezeApproved, 2, now)
		require.NoError(t, err)
		assert.Equal(t, 2, approved.FrontierWeek)

		_, err = s.TransitionFreeze(ctx, f.ID, course.FreezePending, course.FreezeRejected, 0, now)
		assert.ErrorIs(t, err, course.InvalidTransition)

		resumed, e, err := s.ResumeFreeze(ctx, f.ID, 14*24*time.Hour, now)
		require.NoError(t, err)
		assert.Equal(t, course.FreezeResumed, resumed.Status)
		assert.True(t, e.PlannedEndDate.Equal(start.AddDate(0, 0, 35)), "planned end = %s", e.PlannedEndDate)

		list, err := s.ListFreezes(ctx, course.FreezeFilter{StudentID: "s-freeze"})
		require.NoError(t, err)
		require.Len(t, list, 1)

		// A resumed freeze no longer holds the slot.
		_, err = s.CreateFreeze(ctx, course.Freeze{StudentID: "s-freeze", CourseID: "web", StartWeek: 3, EndWeek: 3, CreatedAt: now, UpdatedAt: now})
		assert.NoError(t, err)
	})
	t.Run("malformed ids are not found", func(t *testing.T) {
		const bad = "not-a-uuid"
		_, err := s.GetAttempt(ctx, bad)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.GetEnrollment(ctx, bad)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.GetSubmission(ctx, bad)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.GetFreeze(ctx, bad)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.ResolveQuestion(ctx, bad, 1, nil, 2, now)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.TransitionFreeze(ctx, bad, course.FreezePending, course.FreezeApproved, 1, now)
		assert.ErrorIs(t, err, course.ErrNotFound)
		_, err = s.GradeSubmission(ctx, bad, 10, "", now)
		assert.ErrorIs(t, err, course.ErrNotFound)
	})
}
