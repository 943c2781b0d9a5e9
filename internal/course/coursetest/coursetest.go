// Package coursetest provides catalog fixtures for tests.
package coursetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/p-n-ai/pai-course/internal/course"
)

// Capitals are the question/answer pairs used by Quiz, in seq order.
var Capitals = [][2]string{
	{"France", "Paris"},
	{"Japan", "Tokyo"},
	{"Kenya", "Nairobi"},
	{"Peru", "Lima"},
	{"Chile", "Santiago"},
	{"Egypt", "Cairo"},
	{"Spain", "Madrid"},
	{"Italy", "Rome"},
	{"Ghana", "Accra"},
	{"Nepal", "Kathmandu"},
}

// Quiz builds a quiz with n capital-city questions. The correct answer is always option 1.
func Quiz(id string, n int) *course.Quiz {
	q := &course.Quiz{ID: id, Title: "Capitals", TotalMarks: n}
	for i := 0; i < n; i++ {
		pair := Capitals[i%len(Capitals)]
		q.Questions = append(q.Questions, course.Question{
			Seq:     i + 1,
			Text:    "What is the capital of " + pair[0] + "?",
			Options: [4]string{pair[1], "Berlin", "Oslo", "Lagos"},
			Correct: pair[1],
		})
	}
	return q
}

// Course builds an active course with the given number of weeks. Every week has
// one lecture, a quiz of quizSize questions (none if quizSize is 0) and one assignment
// worth 100 marks. IDs are derived from the course id, e.g. "web-w2-quiz".
func Course(id string, weeks, quizSize int) course.Course {
	c := course.Course{ID: id, Name: "Course " + id, Active: true}
	for k := 1; k <= weeks; k++ {
		wid := fmt.Sprintf("%s-w%d", id, k)
		w := course.Week{
			ID:      wid,
			Ordinal: k,
			Title:   fmt.Sprintf("Week %d", k),
			Lectures: []course.Lecture{
				{ID: wid + "-l1", Title: "Lecture", ContentRef: "blob://" + wid + "/l1"},
			},
			Assignments: []course.Assignment{
				{ID: wid + "-a1", Title: "Assignment", TotalMarks: 100},
			},
		}
		if quizSize > 0 {
			w.Quiz = Quiz(wid+"-quiz", quizSize)
		}
		c.Weeks = append(c.Weeks, w)
	}
	return c
}

// QuizID returns the quiz id Course assigns to week k.
func QuizID(courseID string, k int) string {
	return fmt.Sprintf("%s-w%d-quiz", courseID, k)
}

// AssignmentID returns the assignment id Course assigns to week k.
func AssignmentID(courseID string, k int) string {
	return fmt.Sprintf("%s-w%d-a1", courseID, k)
}

// LectureID returns the lecture id Course assigns to week k.
func LectureID(courseID string, k int) string {
	return fmt.Sprintf("%s-w%d-l1", courseID, k)
}

// Seed saves c into the store and fails the test on error.
func Seed(t testing.TB, s course.Catalog, c course.Course) {
	t.Helper()
	if err := s.SaveCourse(context.Background(), c); err != nil {
		t.Fatalf("SaveCourse(%s) error = %v", c.ID, err)
	}
}
