package quiz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/live"
)

const (
	minRetryDelay = 200 * time.Millisecond
	maxRetryDelay = 10 * time.Second
)

var errSessionClosed = errors.New("attempt session closed")

type commandKind int

const (
	cmdAnswer commandKind = iota
	cmdFinish
)

type command struct {
	kind    commandKind
	seq     int
	text    string
	answers map[int]string
	reply   chan reply
}

type reply struct {
	step *Step
	err  error
}

// session owns one in-progress attempt. All question resolution for the
// attempt in this process happens on its goroutine, one timer at a time.
// Every write is conditional in the store, so a second session for the same
// attempt in another process cannot resolve a question twice.
type session struct {
	m      *Manager
	id     string
	quiz   *course.Quiz
	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc

	announced int // last seq published as started
}

func (s *session) questions() int {
	return s.quiz.QuestionCount()
}

// do hands a command to the session goroutine and waits for its reply.
func (s *session) do(ctx context.Context, cmd command) (*Step, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return nil, errSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.step, r.err
	case <-s.done:
		select {
		case r := <-cmd.reply:
			return r.step, r.err
		default:
			return nil, errSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) run(ctx context.Context) {
	defer s.m.release(s)

	var delay time.Duration
	for {
		a, err := s.m.store.GetAttempt(ctx, s.id)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, course.ErrNotFound) {
				return
			}
			slog.Warn("attempt session cannot load attempt", "attempt_id", s.id, "error", err)
			if delay = backoff(delay); !sleep(ctx, delay) {
				return
			}
			continue
		}
		if a.Status != course.AttemptInProgress {
			return
		}
		if a.CurrentSeq > s.questions() {
			if _, err := s.finalize(ctx); err != nil {
				slog.Warn("attempt finalize failed", "attempt_id", s.id, "error", err)
				if delay = backoff(delay); !sleep(ctx, delay) {
					return
				}
				continue
			}
			return
		}
		s.announce(ctx, a)

		wait := a.QuestionDeadline.Sub(s.m.now())
		if wait < delay {
			wait = delay
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, err = s.timeout(ctx, a, a.CurrentSeq, a.QuestionDeadline.Add(s.m.budget))
		case cmd := <-s.cmds:
			timer.Stop()
			err = s.handle(ctx, a, cmd)
		}

		if err != nil {
			slog.Warn("attempt session write failed", "attempt_id", s.id, "error", err)
			delay = backoff(delay)
		} else {
			delay = 0
		}
	}
}

func (s *session) handle(ctx context.Context, a *course.Attempt, cmd command) error {
	var (
		step *Step
		err  error
	)
	switch cmd.kind {
	case cmdAnswer:
		step, err = s.answer(ctx, a, cmd.seq, cmd.text)
	case cmdFinish:
		step, err = s.finish(ctx, a, cmd.answers)
	}
	cmd.reply <- reply{step: step, err: err}
	if course.IsRetryable(err) {
		return err
	}
	return nil
}

func (s *session) answer(ctx context.Context, a *course.Attempt, seq int, text string) (*Step, error) {
	const op = "Answer"
	switch {
	case seq < a.CurrentSeq:
		// Already resolved. Late duplicates never overwrite.
		return s.step(a), nil
	case seq > a.CurrentSeq:
		return nil, course.QuestionNotActive.With(op, s.id)
	}

	now := s.m.now()
	if !now.Before(a.QuestionDeadline) {
		if _, err := s.timeout(ctx, a, seq, a.QuestionDeadline.Add(s.m.budget)); err != nil {
			return nil, err
		}
		return nil, course.QuestionNotActive.With(op, s.id)
	}

	applied, err := s.m.store.ResolveQuestion(ctx, s.id, seq, &text, seq+1, now.Add(s.m.budget))
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if !applied {
		return s.reload(ctx, op)
	}
	s.publish(ctx, live.Event{Type: live.QuestionResolved, AttemptID: s.id, Seq: seq})

	if seq >= s.questions() {
		res, err := s.finalize(ctx)
		if err != nil {
			return nil, err
		}
		return &Step{AttemptID: s.id, Result: res}, nil
	}
	return s.reload(ctx, op)
}

// finish resolves the current question from the payload if it carries an
// answer for it, forces every remaining question through the timeout path and
// submits the attempt.
func (s *session) finish(ctx context.Context, a *course.Attempt, answers map[int]string) (*Step, error) {
	const op = "Submit"
	now := s.m.now()

	if text, ok := answers[a.CurrentSeq]; ok && a.CurrentSeq <= s.questions() && now.Before(a.QuestionDeadline) {
		applied, err := s.m.store.ResolveQuestion(ctx, s.id, a.CurrentSeq, &text, a.CurrentSeq+1, now)
		if err != nil {
			return nil, course.Lift(op, err)
		}
		if applied {
			s.publish(ctx, live.Event{Type: live.QuestionResolved, AttemptID: s.id, Seq: a.CurrentSeq})
		}
	}

	for {
		cur, err := s.m.store.GetAttempt(ctx, s.id)
		if err != nil {
			return nil, course.Lift(op, err)
		}
		if cur.Status != course.AttemptInProgress || cur.CurrentSeq > s.questions() {
			break
		}
		if _, err := s.timeout(ctx, cur, cur.CurrentSeq, now); err != nil {
			return nil, err
		}
	}

	res, err := s.finalize(ctx)
	if err != nil {
		return nil, err
	}
	return &Step{AttemptID: s.id, Result: res}, nil
}

// timeout records a null answer for seq. It is the only path by which a
// question resolves without an answer.
func (s *session) timeout(ctx context.Context, a *course.Attempt, seq int, nextDeadline time.Time) (bool, error) {
	applied, err := s.m.store.ResolveQuestion(ctx, a.ID, seq, nil, seq+1, nextDeadline)
	if err != nil {
		return false, course.Lift("Timeout", err)
	}
	if applied {
		slog.Debug("question timed out", "attempt_id", a.ID, "seq", seq)
		s.publish(ctx, live.Event{Type: live.QuestionResolved, AttemptID: a.ID, Seq: seq, TimedOut: true})
	}
	return applied, nil
}

func (s *session) finalize(ctx context.Context) (*Result, error) {
	const op = "Submit"
	a, err := s.m.store.GetAttempt(ctx, s.id)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if a.Status == course.AttemptSubmitted {
		return resultOf(a), nil
	}

	score := Score(*s.quiz, a.Answers)
	done, err := s.m.store.FinalizeAttempt(ctx, s.id, score, s.questions(), s.m.now())
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("quiz attempt submitted",
		"attempt_id", done.ID,
		"student_id", done.StudentID,
		"quiz_id", done.QuizID,
		"score", done.Score,
		"total", done.TotalQuestions,
	)
	s.publish(ctx, live.Event{Type: live.AttemptSubmitted, AttemptID: s.id, Score: &done.Score, Total: done.TotalQuestions})
	activity.Record(ctx, s.m.events, activity.Event{
		StudentID: done.StudentID,
		CourseID:  s.quiz.CourseID,
		Type:      activity.AttemptSubmitted,
		SubjectID: done.ID,
		Data:      map[string]any{"quiz_id": done.QuizID, "score": done.Score, "total": done.TotalQuestions},
	})
	return resultOf(done), nil
}

func (s *session) reload(ctx context.Context, op string) (*Step, error) {
	a, err := s.m.store.GetAttempt(ctx, s.id)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	return s.step(a), nil
}

func (s *session) step(a *course.Attempt) *Step {
	if a.Status == course.AttemptSubmitted {
		return &Step{AttemptID: a.ID, Result: resultOf(a)}
	}
	return &Step{AttemptID: a.ID, Next: questionView(s.quiz, a)}
}

func (s *session) announce(ctx context.Context, a *course.Attempt) {
	if a.CurrentSeq == s.announced {
		return
	}
	s.announced = a.CurrentSeq
	q := questionView(s.quiz, a)
	if q == nil {
		return
	}
	deadline := q.Deadline
	s.publish(ctx, live.Event{
		Type:      live.QuestionStarted,
		AttemptID: s.id,
		Seq:       q.Seq,
		Text:      q.Text,
		Options:   q.Options[:],
		Deadline:  &deadline,
		Total:     s.questions(),
	})
}

func (s *session) publish(ctx context.Context, e live.Event) {
	if s.m.hub == nil {
		return
	}
	e.OccurredAt = s.m.now()
	if err := s.m.hub.Publish(ctx, e); err != nil {
		slog.Warn("live publish failed", "attempt_id", s.id, "type", e.Type, "error", err)
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return minRetryDelay
	}
	return min(d*2, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
