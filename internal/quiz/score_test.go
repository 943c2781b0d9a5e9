package quiz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-n-ai/pai-course/internal/course/coursetest"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

func strp(s string) *string { return &s }

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Paris ", "paris"},
		{"PARIS", "paris"},
		{"Café", "café"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quiz.Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestCorrect(t *testing.T) {
	q := coursetest.Quiz("q", 1).Questions[0]

	assert.True(t, quiz.Correct(q, strp("  paris ")))
	assert.False(t, quiz.Correct(q, strp("Berlin")))
	assert.False(t, quiz.Correct(q, nil), "a timeout is never correct")
	assert.False(t, quiz.Correct(q, strp("")))
}

func TestScore(t *testing.T) {
	q := coursetest.Quiz("q", 4)
	answers := map[int]*string{
		1: strp("Paris"),
		2: nil,
		3: strp("nairobi"),
		4: strp("Lagos"),
	}
	assert.Equal(t, 2, quiz.Score(*q, answers))
	assert.Equal(t, 0, quiz.Score(*q, nil))
}
