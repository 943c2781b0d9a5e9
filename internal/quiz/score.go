// Package quiz runs timed quiz attempts. Each in-progress attempt is owned by
// one session goroutine that holds the only running question timer.
package quiz

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-course/internal/course"
)

// Normalize prepares an answer for comparison: surrounding whitespace is
// trimmed, the text is NFC-composed and case-folded.
func Normalize(s string) string {
	// A Caser keeps state between calls, so each call gets its own.
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Correct reports whether answer matches the question's correct answer.
// A nil answer is a timeout and never correct.
func Correct(q course.Question, answer *string) bool {
	if answer == nil {
		return false
	}
	return Normalize(*answer) == Normalize(q.Correct)
}

// Score counts the questions whose recorded answer is correct.
func Score(q course.Quiz, answers map[int]*string) int {
	score := 0
	for _, question := range q.Questions {
		if Correct(question, answers[question.Seq]) {
			score++
		}
	}
	return score
}
