package progress

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
)

// ControllerConfig holds dependencies for the progression controller.
type ControllerConfig struct {
	Store     course.Store
	Evaluator Evaluator
	Events    activity.Logger
	Now       func() time.Time
}

// Controller derives week unlocking from completion and freeze state on every
// read. Nothing about unlocking is stored.
type Controller struct {
	store  course.Store
	eval   Evaluator
	events activity.Logger
	now    func() time.Time
}

// NewController creates a progression controller.
func NewController(cfg ControllerConfig) *Controller {
	store := cfg.Store
	if store == nil {
		store = course.NewMemoryStore()
	}
	events := cfg.Events
	if events == nil {
		events = activity.NopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:  store,
		eval:   NewEvaluator(cfg.Evaluator.PassThreshold),
		events: events,
		now:    now,
	}
}

// Evaluator returns the completion evaluator the controller applies.
func (c *Controller) Evaluator() Evaluator {
	return c.eval
}

// Unlock computes the unlocked week ordinals. Week 1 is always unlocked; week
// k+1 follows once week k is complete and no approved freeze blocks k+1.
func Unlock(e Evaluator, s Snapshot, freezes []course.Freeze) []int {
	n := s.Course.WeekCount()
	if n == 0 {
		return nil
	}
	unlocked := []int{1}
	for k := 1; k < n; k++ {
		if !e.IsWeekComplete(s, k) || blocked(freezes, k+1) {
			break
		}
		unlocked = append(unlocked, k+1)
	}
	return unlocked
}

func blocked(freezes []course.Freeze, week int) bool {
	for _, f := range freezes {
		if f.Blocks(week) {
			return true
		}
	}
	return false
}

// Snapshot loads the completion inputs for one student in one course.
// Any store failure is returned as a retryable error.
func (c *Controller) Snapshot(ctx context.Context, studentID, courseID string) (Snapshot, error) {
	const op = "Snapshot"
	var s Snapshot

	cr, err := c.store.GetCourse(ctx, courseID)
	if err != nil {
		return s, course.Lift(op, err)
	}
	s.Course = *cr

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		s.Attempts, err = c.store.LatestSubmittedAttempts(gctx, studentID, courseID)
		return err
	})
	g.Go(func() error {
		var err error
		s.Submissions, err = c.store.StudentSubmissions(gctx, studentID, courseID)
		return err
	})
	g.Go(func() error {
		var err error
		s.Viewed, err = c.store.ViewedLectures(gctx, studentID, courseID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, course.Lift(op, err)
	}
	return s, nil
}

func (c *Controller) approvedFreezes(ctx context.Context, studentID, courseID string) ([]course.Freeze, error) {
	freezes, err := c.store.ListFreezes(ctx, course.FreezeFilter{
		StudentID: studentID,
		CourseID:  courseID,
		Status:    course.FreezeApproved,
	})
	if err != nil {
		return nil, course.Lift("ListFreezes", err)
	}
	return freezes, nil
}

// state bundles what every read-side operation needs.
type state struct {
	snap     Snapshot
	freezes  []course.Freeze
	unlocked []int
}

func (c *Controller) load(ctx context.Context, studentID, courseID string) (*state, error) {
	snap, err := c.Snapshot(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	freezes, err := c.approvedFreezes(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	return &state{
		snap:     snap,
		freezes:  freezes,
		unlocked: Unlock(c.eval, snap, freezes),
	}, nil
}

// UnlockedWeeks returns the ordered unlocked week ordinals for an enrollment.
// It fails closed: if completion cannot be verified, no weeks are reported.
func (c *Controller) UnlockedWeeks(ctx context.Context, e course.Enrollment) ([]int, error) {
	st, err := c.load(ctx, e.StudentID, e.CourseID)
	if err != nil {
		slog.Warn("unlocked weeks unavailable",
			"student_id", e.StudentID,
			"course_id", e.CourseID,
			"error", err,
		)
		return nil, err
	}
	return st.unlocked, nil
}

// Frontier returns the highest unlocked week for a student's enrollment.
func (c *Controller) Frontier(ctx context.Context, studentID, courseID string) (int, error) {
	st, err := c.load(ctx, studentID, courseID)
	if err != nil {
		return 0, err
	}
	if len(st.unlocked) == 0 {
		return 0, nil
	}
	return st.unlocked[len(st.unlocked)-1], nil
}

// CourseComplete reports whether every week of the enrollment's course is complete.
func (c *Controller) CourseComplete(ctx context.Context, e course.Enrollment) (bool, error) {
	snap, err := c.Snapshot(ctx, e.StudentID, e.CourseID)
	if err != nil {
		return false, err
	}
	return c.eval.IsCourseComplete(snap), nil
}

// ActiveEnrollment returns the student's active enrollment, or NotEnrolled.
func (c *Controller) ActiveEnrollment(ctx context.Context, studentID, courseID string) (*course.Enrollment, error) {
	e, err := c.store.FindEnrollment(ctx, studentID, courseID)
	if err != nil {
		if errors.Is(err, course.ErrNotFound) {
			return nil, course.NotEnrolled.With("ActiveEnrollment", studentID+"/"+courseID)
		}
		return nil, course.Lift("ActiveEnrollment", err)
	}
	return e, nil
}

// EnsureWeekUnlocked fails with WeekLocked unless the week is unlocked for an
// actively enrolled student.
func (c *Controller) EnsureWeekUnlocked(ctx context.Context, studentID, courseID string, ordinal int) error {
	if _, err := c.ActiveEnrollment(ctx, studentID, courseID); err != nil {
		return err
	}
	st, err := c.load(ctx, studentID, courseID)
	if err != nil {
		return err
	}
	if !slices.Contains(st.unlocked, ordinal) {
		return course.WeekLocked.With("EnsureWeekUnlocked", courseID)
	}
	return nil
}

// Enroll registers a student in an active course. The planned end date is
// timeframeWeeks after the start.
func (c *Controller) Enroll(ctx context.Context, studentID, courseID, allocationID string, timeframeWeeks int) (*course.Enrollment, error) {
	const op = "Enroll"
	if studentID == "" {
		return nil, course.Invalid(op, "student_id", "is required")
	}
	if timeframeWeeks < 1 {
		return nil, course.Invalid(op, "timeframe_weeks", "must be at least 1")
	}

	cr, err := c.store.GetCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, course.ErrNotFound) {
			return nil, course.InvalidCourse.With(op, courseID)
		}
		return nil, course.Lift(op, err)
	}
	if !cr.Active {
		return nil, course.InvalidCourse.With(op, courseID)
	}

	start := c.now().UTC()
	e, err := c.store.CreateEnrollment(ctx, course.Enrollment{
		StudentID:         studentID,
		CourseID:          courseID,
		AllocationID:      allocationID,
		StartDate:         start,
		PlannedEndDate:    start.AddDate(0, 0, 7*timeframeWeeks),
		TimeframeWeeks:    timeframeWeeks,
		Active:            true,
		CertificateStatus: course.CertificateNotRequested,
	})
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("student enrolled",
		"enrollment_id", e.ID,
		"student_id", studentID,
		"course_id", courseID,
		"timeframe_weeks", timeframeWeeks,
	)
	activity.Record(ctx, c.events, activity.Event{
		StudentID: studentID,
		CourseID:  courseID,
		Type:      activity.Enrolled,
		SubjectID: e.ID,
		Data:      map[string]any{"timeframe_weeks": timeframeWeeks},
	})
	return e, nil
}

// MarkLectureViewed records that the student viewed a lecture in an unlocked week.
func (c *Controller) MarkLectureViewed(ctx context.Context, studentID, lectureID string) error {
	courseID, ordinal, err := c.store.GetLectureWeek(ctx, lectureID)
	if err != nil {
		return course.Lift("MarkLectureViewed", err)
	}
	if err := c.EnsureWeekUnlocked(ctx, studentID, courseID, ordinal); err != nil {
		return err
	}
	if err := c.store.MarkLectureViewed(ctx, studentID, lectureID); err != nil {
		return course.Lift("MarkLectureViewed", err)
	}
	activity.Record(ctx, c.events, activity.Event{
		StudentID: studentID,
		CourseID:  courseID,
		Type:      activity.LectureViewed,
		SubjectID: lectureID,
	})
	return nil
}

// QuizSummary describes a week's quiz without revealing its questions.
type QuizSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	TotalMarks    int    `json:"total_marks"`
	QuestionCount int    `json:"question_count"`
	Passed        bool   `json:"passed"`
	LastScore     *int   `json:"last_score,omitempty"`
}

// AssignmentView is an assignment with the student's submission, if any.
type AssignmentView struct {
	course.Assignment
	Submission *course.Submission `json:"submission,omitempty"`
}

// WeekView is one week as a student sees it.
type WeekView struct {
	Ordinal     int              `json:"ordinal"`
	Title       string           `json:"title"`
	Unlocked    bool             `json:"unlocked"`
	Complete    bool             `json:"complete"`
	Frozen      bool             `json:"frozen"`
	Lectures    []LectureView    `json:"lectures"`
	Quiz        *QuizSummary     `json:"quiz,omitempty"`
	Assignments []AssignmentView `json:"assignments"`
}

// LectureView is a lecture with its viewed flag.
type LectureView struct {
	course.Lecture
	Viewed bool `json:"viewed"`
}

// Structure is the weekly layout of a course for one enrolled student.
type Structure struct {
	Enrollment course.Enrollment `json:"enrollment"`
	Weeks      []WeekView        `json:"weeks"`
}

// WeeksStructure returns every week of the student's course with unlock and completion flags.
func (c *Controller) WeeksStructure(ctx context.Context, studentID, courseID string) (*Structure, error) {
	e, err := c.ActiveEnrollment(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	st, err := c.load(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}

	out := &Structure{Enrollment: *e}
	for _, w := range st.snap.Course.Weeks {
		view := WeekView{
			Ordinal:     w.Ordinal,
			Title:       w.Title,
			Unlocked:    slices.Contains(st.unlocked, w.Ordinal),
			Complete:    c.eval.IsWeekComplete(st.snap, w.Ordinal),
			Frozen:      blocked(st.freezes, w.Ordinal),
			Lectures:    make([]LectureView, 0, len(w.Lectures)),
			Assignments: make([]AssignmentView, 0, len(w.Assignments)),
		}
		for _, l := range w.Lectures {
			view.Lectures = append(view.Lectures, LectureView{Lecture: l, Viewed: st.snap.Viewed[l.ID]})
		}
		if q := w.Quiz; q != nil {
			summary := &QuizSummary{
				ID:            q.ID,
				Title:         q.Title,
				TotalMarks:    q.TotalMarks,
				QuestionCount: q.QuestionCount(),
				Passed:        c.eval.QuizPassed(st.snap, w),
			}
			if a, ok := st.snap.Attempts[q.ID]; ok {
				score := a.Score
				summary.LastScore = &score
			}
			view.Quiz = summary
		}
		for _, a := range w.Assignments {
			av := AssignmentView{Assignment: a}
			if sub, ok := st.snap.Submissions[a.ID]; ok {
				av.Submission = &sub
			}
			view.Assignments = append(view.Assignments, av)
		}
		out.Weeks = append(out.Weeks, view)
	}
	return out, nil
}

// Report summarises an enrollment's progress.
type Report struct {
	EnrollmentID      string                   `json:"enrollment_id"`
	StudentID         string                   `json:"student_id"`
	CourseID          string                   `json:"course_id"`
	LecturesTotal     int                      `json:"lectures_total"`
	LecturesViewed    int                      `json:"lectures_viewed"`
	QuizzesTotal      int                      `json:"quizzes_total"`
	QuizzesPassed     int                      `json:"quizzes_passed"`
	AssignmentsTotal  int                      `json:"assignments_total"`
	AssignmentsGraded int                      `json:"assignments_graded"`
	WeeksTotal        int                      `json:"weeks_total"`
	WeeksCompleted    int                      `json:"weeks_completed"`
	UnlockedWeeks     []int                    `json:"unlocked_weeks"`
	Percent           float64                  `json:"percent"`
	CourseComplete    bool                     `json:"course_complete"`
	CertificateStatus course.CertificateStatus `json:"certificate_status"`
	PlannedEndDate    time.Time                `json:"planned_end_date"`
}

// Progress builds the progress report for an enrollment.
func (c *Controller) Progress(ctx context.Context, e course.Enrollment) (*Report, error) {
	st, err := c.load(ctx, e.StudentID, e.CourseID)
	if err != nil {
		return nil, err
	}
	s := st.snap

	r := &Report{
		EnrollmentID:      e.ID,
		StudentID:         e.StudentID,
		CourseID:          e.CourseID,
		WeeksTotal:        s.Course.WeekCount(),
		UnlockedWeeks:     st.unlocked,
		CourseComplete:    c.eval.IsCourseComplete(s),
		CertificateStatus: e.CertificateStatus,
		PlannedEndDate:    e.PlannedEndDate,
	}
	for _, w := range s.Course.Weeks {
		r.LecturesTotal += len(w.Lectures)
		for _, l := range w.Lectures {
			if s.Viewed[l.ID] {
				r.LecturesViewed++
			}
		}
		if w.Quiz != nil && w.Quiz.QuestionCount() > 0 {
			r.QuizzesTotal++
			if c.eval.QuizPassed(s, w) {
				r.QuizzesPassed++
			}
		}
		r.AssignmentsTotal += len(w.Assignments)
		for _, a := range w.Assignments {
			if sub, ok := s.Submissions[a.ID]; ok && sub.Graded {
				r.AssignmentsGraded++
			}
		}
		if c.eval.IsWeekComplete(s, w.Ordinal) {
			r.WeeksCompleted++
		}
	}

	total := r.LecturesTotal + r.QuizzesTotal + r.AssignmentsTotal
	if total > 0 {
		done := r.LecturesViewed + r.QuizzesPassed + r.AssignmentsGraded
		r.Percent = math.Round(float64(done)/float64(total)*1000) / 10
	}
	return r, nil
}
