package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/live"
)

// DefaultQuestionBudget is the time a student has for each question.
const DefaultQuestionBudget = 30 * time.Second

// WeekGate reports whether a student may work on a week of a course.
type WeekGate interface {
	EnsureWeekUnlocked(ctx context.Context, studentID, courseID string, ordinal int) error
}

// Config holds dependencies for the attempt manager.
type Config struct {
	Store          course.Store
	Gate           WeekGate
	Hub            live.Hub
	Events         activity.Logger
	QuestionBudget time.Duration
	Now            func() time.Time
}

// Question is the active question as shown to the student.
type Question struct {
	Seq        int       `json:"seq"`
	Total      int       `json:"total"`
	Text       string    `json:"text"`
	Options    [4]string `json:"options"`
	Difficulty string    `json:"difficulty,omitempty"`
	Deadline   time.Time `json:"deadline"`
}

// Result is the outcome of a submitted attempt.
type Result struct {
	AttemptID      string               `json:"attempt_id"`
	Status         course.AttemptStatus `json:"status"`
	Score          int                  `json:"score"`
	TotalQuestions int                  `json:"total_questions"`
	SubmittedAt    *time.Time           `json:"submitted_at,omitempty"`
}

// Step is the response to an attempt action: the next question, or the final
// result once the last question resolved.
type Step struct {
	AttemptID string    `json:"attempt_id"`
	Next      *Question `json:"next_question,omitempty"`
	Result    *Result   `json:"result,omitempty"`
}

// Answer is one entry of a submit payload.
type Answer struct {
	Seq    int    `json:"seq" validate:"min=1"`
	Answer string `json:"answer"`
}

// Manager starts attempts and routes actions to their sessions.
type Manager struct {
	store  course.Store
	gate   WeekGate
	hub    live.Hub
	events activity.Logger
	budget time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates an attempt manager. Sessions run until Shutdown.
func NewManager(cfg Config) *Manager {
	store := cfg.Store
	if store == nil {
		store = course.NewMemoryStore()
	}
	events := cfg.Events
	if events == nil {
		events = activity.NopLogger{}
	}
	budget := cfg.QuestionBudget
	if budget <= 0 {
		budget = DefaultQuestionBudget
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		gate:     cfg.Gate,
		hub:      cfg.Hub,
		events:   events,
		budget:   budget,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Start begins an attempt for a student and returns its first question. It
// fails with AttemptAlreadyActive while another attempt at the quiz is in progress.
func (m *Manager) Start(ctx context.Context, studentID, quizID string) (*Step, error) {
	const op = "StartAttempt"
	q, err := m.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if q.QuestionCount() == 0 {
		return nil, course.Invalid(op, "quiz_id", "quiz has no questions")
	}
	if m.gate != nil {
		if err := m.gate.EnsureWeekUnlocked(ctx, studentID, q.CourseID, q.Ordinal); err != nil {
			return nil, err
		}
	}

	now := m.now()
	a, err := m.store.CreateAttempt(ctx, course.Attempt{
		StudentID:        studentID,
		QuizID:           quizID,
		Status:           course.AttemptInProgress,
		CurrentSeq:       1,
		QuestionDeadline: now.Add(m.budget),
		StartedAt:        now,
		TotalQuestions:   q.QuestionCount(),
	})
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if err := m.spawn(a.ID, q); err != nil {
		return nil, course.Unavailable(op, err)
	}

	slog.Info("quiz attempt started",
		"attempt_id", a.ID,
		"student_id", studentID,
		"quiz_id", quizID,
		"questions", q.QuestionCount(),
	)
	activity.Record(ctx, m.events, activity.Event{
		StudentID: studentID,
		CourseID:  q.CourseID,
		Type:      activity.AttemptStarted,
		SubjectID: a.ID,
		Data:      map[string]any{"quiz_id": quizID},
	})
	return &Step{AttemptID: a.ID, Next: questionView(q, a)}, nil
}

// Answer records the answer to the active question and returns the next
// question, or the result when it was the last one. Answers to questions that
// are already resolved are ignored. A non-empty quizID must match the
// attempt's quiz.
func (m *Manager) Answer(ctx context.Context, studentID, quizID, attemptID string, seq int, text string) (*Step, error) {
	const op = "Answer"
	a, err := m.owned(ctx, op, studentID, quizID, attemptID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case course.AttemptSubmitted:
		if a.Resolved(seq) {
			return &Step{AttemptID: a.ID, Result: resultOf(a)}, nil
		}
		return nil, course.QuestionNotActive.With(op, attemptID)
	case course.AttemptAbandoned:
		return nil, course.InvalidTransition.With(op, attemptID)
	}

	return m.dispatch(ctx, op, a, command{kind: cmdAnswer, seq: seq, text: text})
}

// Submit ends the attempt. An answer in the payload for the active question is
// recorded; every other unresolved question is resolved as a timeout. Submitting
// an already submitted attempt returns the stored result. A non-empty quizID
// must match the attempt's quiz.
func (m *Manager) Submit(ctx context.Context, studentID, quizID, attemptID string, answers []Answer) (*Result, error) {
	const op = "Submit"
	a, err := m.owned(ctx, op, studentID, quizID, attemptID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case course.AttemptSubmitted:
		return resultOf(a), nil
	case course.AttemptAbandoned:
		return nil, course.InvalidTransition.With(op, attemptID)
	}

	payload := make(map[int]string, len(answers))
	for _, ans := range answers {
		payload[ans.Seq] = ans.Answer
	}
	step, err := m.dispatch(ctx, op, a, command{kind: cmdFinish, answers: payload})
	if err != nil {
		return nil, err
	}
	if step.Result == nil {
		return nil, course.Unavailable(op, fmt.Errorf("attempt %s did not finish", attemptID))
	}
	return step.Result, nil
}

// Cancel is the student giving up: remaining questions resolve as timeouts
// and the attempt is submitted.
func (m *Manager) Cancel(ctx context.Context, studentID, attemptID string) (*Result, error) {
	return m.Submit(ctx, studentID, "", attemptID, nil)
}

// Abandon marks an in-progress attempt Abandoned. Administrative action only.
func (m *Manager) Abandon(ctx context.Context, attemptID string) (*Result, error) {
	const op = "AbandonAttempt"
	a, err := m.store.AbandonAttempt(ctx, attemptID, m.now())
	if err != nil {
		return nil, course.Lift(op, err)
	}

	m.mu.Lock()
	s := m.sessions[attemptID]
	m.mu.Unlock()
	if s != nil {
		s.cancel()
	}

	if m.hub != nil {
		if err := m.hub.Publish(ctx, live.Event{Type: live.AttemptAbandoned, AttemptID: attemptID, OccurredAt: m.now()}); err != nil {
			slog.Warn("live publish failed", "attempt_id", attemptID, "error", err)
		}
	}
	slog.Info("quiz attempt abandoned", "attempt_id", attemptID, "student_id", a.StudentID)
	activity.Record(ctx, m.events, activity.Event{
		StudentID: a.StudentID,
		Type:      activity.AttemptAbandoned,
		SubjectID: attemptID,
		Data:      map[string]any{"quiz_id": a.QuizID},
	})
	return resultOf(a), nil
}

// View is an attempt as its student sees it.
type View struct {
	AttemptID string               `json:"attempt_id"`
	QuizID    string               `json:"quiz_id"`
	Status    course.AttemptStatus `json:"status"`
	Resolved  int                  `json:"resolved"`
	Current   *Question            `json:"current_question,omitempty"`
	Result    *Result              `json:"result,omitempty"`
}

// Get returns the current state of the student's attempt.
func (m *Manager) Get(ctx context.Context, studentID, attemptID string) (*View, error) {
	const op = "GetAttempt"
	a, err := m.owned(ctx, op, studentID, "", attemptID)
	if err != nil {
		return nil, err
	}
	v := &View{AttemptID: a.ID, QuizID: a.QuizID, Status: a.Status, Resolved: len(a.Answers)}
	switch a.Status {
	case course.AttemptInProgress:
		q, err := m.store.GetQuiz(ctx, a.QuizID)
		if err != nil {
			return nil, course.Lift(op, err)
		}
		v.Current = questionView(q, a)
	default:
		v.Result = resultOf(a)
	}
	return v, nil
}

// Owner returns the student id of an attempt.
func (m *Manager) Owner(ctx context.Context, attemptID string) (string, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", course.Lift("GetAttempt", err)
	}
	return a.StudentID, nil
}

// Recover starts sessions for in-progress attempts that have none in this
// process. Questions whose budget elapsed while no session ran resolve as
// timeouts in order before the live countdown resumes.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	attempts, err := m.store.ListInProgressAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress attempts: %w", err)
	}

	recovered := 0
	for _, a := range attempts {
		if m.has(a.ID) {
			continue
		}
		q, err := m.store.GetQuiz(ctx, a.QuizID)
		if err != nil {
			slog.Warn("cannot recover attempt", "attempt_id", a.ID, "quiz_id", a.QuizID, "error", err)
			continue
		}
		if err := m.spawn(a.ID, q); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered quiz attempts", "count", recovered)
	}
	return recovered, nil
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session and waits for them to exit. Attempts stay
// InProgress in the store and are picked up by Recover on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// owned loads an attempt the student owns. An attempt addressed under another
// quiz does not exist there.
func (m *Manager) owned(ctx context.Context, op, studentID, quizID, attemptID string) (*course.Attempt, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if quizID != "" && a.QuizID != quizID {
		return nil, course.NotFound.With(op, attemptID)
	}
	if a.StudentID != studentID {
		return nil, course.Forbidden.With(op, attemptID)
	}
	return a, nil
}

// dispatch sends a command to the attempt's session, adopting the attempt if
// no session for it runs in this process.
func (m *Manager) dispatch(ctx context.Context, op string, a *course.Attempt, cmd command) (*Step, error) {
	s, err := m.sessionFor(ctx, a)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	step, err := s.do(ctx, cmd)
	if errors.Is(err, errSessionClosed) {
		cur, gerr := m.store.GetAttempt(ctx, a.ID)
		if gerr != nil {
			return nil, course.Lift(op, gerr)
		}
		switch cur.Status {
		case course.AttemptSubmitted:
			return &Step{AttemptID: cur.ID, Result: resultOf(cur)}, nil
		case course.AttemptAbandoned:
			return nil, course.InvalidTransition.With(op, a.ID)
		}
		return nil, course.Unavailable(op, err)
	}
	return step, err
}

func (m *Manager) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *Manager) sessionFor(ctx context.Context, a *course.Attempt) (*session, error) {
	m.mu.Lock()
	s := m.sessions[a.ID]
	m.mu.Unlock()
	if s != nil {
		return s, nil
	}

	q, err := m.store.GetQuiz(ctx, a.QuizID)
	if err != nil {
		return nil, err
	}
	if err := m.spawn(a.ID, q); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[a.ID]; s != nil {
		return s, nil
	}
	return nil, errSessionClosed
}

func (m *Manager) spawn(attemptID string, q *course.Quiz) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return fmt.Errorf("attempt manager is shut down")
	}
	if _, ok := m.sessions[attemptID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		m:      m,
		id:     attemptID,
		quiz:   q,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.sessions[attemptID] = s
	m.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	s.cancel()
	close(s.done)
	m.wg.Done()
}

func questionView(q *course.Quiz, a *course.Attempt) *Question {
	if a.CurrentSeq < 1 || a.CurrentSeq > q.QuestionCount() {
		return nil
	}
	question := q.Questions[a.CurrentSeq-1]
	return &Question{
		Seq:        question.Seq,
		Total:      q.QuestionCount(),
		Text:       question.Text,
		Options:    question.Options,
		Difficulty: question.Difficulty,
		Deadline:   a.QuestionDeadline,
	}
}

func resultOf(a *course.Attempt) *Result {
	return &Result{
		AttemptID:      a.ID,
		Status:         a.Status,
		Score:          a.Score,
		TotalQuestions: a.TotalQuestions,
		SubmittedAt:    a.SubmittedAt,
	}
}
