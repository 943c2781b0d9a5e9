// Package progress decides what a student has completed and which weeks of a
// course are unlocked for them.
package progress

import (
	"github.com/p-n-ai/pai-course/internal/course"
)

// DefaultPassThreshold is the share of correct answers a quiz attempt needs to pass.
const DefaultPassThreshold = 0.5

// Snapshot is everything the evaluator needs to know about one student in one course.
type Snapshot struct {
	Course      course.Course
	Attempts    map[string]course.Attempt    // latest Submitted attempt per quiz id
	Submissions map[string]course.Submission // per assignment id
	Viewed      map[string]bool              // lecture ids
}

// Evaluator computes completion from a Snapshot. It has no side effects, so
// progression and certificate gating share one definition of "complete".
type Evaluator struct {
	PassThreshold float64
}

// NewEvaluator returns an evaluator with the given threshold, or the default if it is out of (0, 1].
func NewEvaluator(threshold float64) Evaluator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultPassThreshold
	}
	return Evaluator{PassThreshold: threshold}
}

func (e Evaluator) threshold() float64 {
	if e.PassThreshold <= 0 || e.PassThreshold > 1 {
		return DefaultPassThreshold
	}
	return e.PassThreshold
}

// Passed reports whether a submitted attempt meets the pass threshold for q.
// Every question carries an equal share of q.TotalMarks, so the share of
// marks earned is the share of questions answered correctly.
func (e Evaluator) Passed(q course.Quiz, a course.Attempt) bool {
	if a.Status != course.AttemptSubmitted {
		return false
	}
	total := q.QuestionCount()
	if total == 0 {
		return true
	}
	return float64(a.Score)/float64(total) >= e.threshold()
}

// QuizPassed reports whether the student's latest attempt at the week's quiz passed.
// A week without a quiz, or with an empty one, has nothing to pass.
func (e Evaluator) QuizPassed(s Snapshot, w course.Week) bool {
	if w.Quiz == nil || w.Quiz.QuestionCount() == 0 {
		return true
	}
	a, ok := s.Attempts[w.Quiz.ID]
	return ok && e.Passed(*w.Quiz, a)
}

// AssignmentsGraded reports whether every assignment of the week has a graded submission.
func (e Evaluator) AssignmentsGraded(s Snapshot, w course.Week) bool {
	for _, a := range w.Assignments {
		sub, ok := s.Submissions[a.ID]
		if !ok || !sub.Graded {
			return false
		}
	}
	return true
}

// LecturesViewed reports whether every lecture of the week is marked viewed.
func (e Evaluator) LecturesViewed(s Snapshot, w course.Week) bool {
	for _, l := range w.Lectures {
		if !s.Viewed[l.ID] {
			return false
		}
	}
	return true
}

// IsWeekComplete reports whether week `ordinal` is complete. Weeks with
// assessments need a passing quiz and graded assignments; weeks without any
// assessment need every lecture viewed.
func (e Evaluator) IsWeekComplete(s Snapshot, ordinal int) bool {
	w, ok := s.Course.Week(ordinal)
	if !ok {
		return false
	}
	hasQuiz := w.Quiz != nil && w.Quiz.QuestionCount() > 0
	if !hasQuiz && len(w.Assignments) == 0 {
		return e.LecturesViewed(s, w)
	}
	return e.QuizPassed(s, w) && e.AssignmentsGraded(s, w)
}

// IsCourseComplete reports whether every week 1..N is complete. A course with
// no weeks is never complete.
func (e Evaluator) IsCourseComplete(s Snapshot) bool {
	n := s.Course.WeekCount()
	if n == 0 {
		return false
	}
	for k := 1; k <= n; k++ {
		if !e.IsWeekComplete(s, k) {
			return false
		}
	}
	return true
}
