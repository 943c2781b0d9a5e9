package course

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store. Every check-and-write
// runs under one lock, which makes the uniqueness slots atomic in-process.
type MemoryStore struct {
	mu          sync.RWMutex
	courses     map[string]*Course
	quizzes     map[string]*Quiz
	assignments map[string]*Assignment
	lectures    map[string]lectureRef
	enrollments map[string]*Enrollment
	views       map[string]map[string]bool // student -> lecture -> viewed
	attempts    map[string]*Attempt
	submissions map[string]*Submission
	freezes     map[string]*Freeze

	down bool
}

type lectureRef struct {
	courseID string
	ordinal  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:     make(map[string]*Course),
		quizzes:     make(map[string]*Quiz),
		assignments: make(map[string]*Assignment),
		lectures:    make(map[string]lectureRef),
		enrollments: make(map[string]*Enrollment),
		views:       make(map[string]map[string]bool),
		attempts:    make(map[string]*Attempt),
		submissions: make(map[string]*Submission),
		freezes:     make(map[string]*Freeze),
	}
}

var errStoreDown = &Error{Op: "store", Kind: ErrDependency, Code: "Unavailable", Message: "store unreachable"}

// SetDown makes every call fail as if the store were unreachable.
func (s *MemoryStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *MemoryStore) check() error {
	if s.down {
		return errStoreDown
	}
	return nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

func (s *MemoryStore) SaveCourse(_ context.Context, c Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if old, ok := s.courses[c.ID]; ok {
		for _, w := range old.Weeks {
			for _, l := range w.Lectures {
				delete(s.lectures, l.ID)
			}
			if w.Quiz != nil {
				delete(s.quizzes, w.Quiz.ID)
			}
			for _, a := range w.Assignments {
				delete(s.assignments, a.ID)
			}
		}
	}

	for i := range c.Weeks {
		w := &c.Weeks[i]
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		w.CourseID = c.ID
		for j := range w.Lectures {
			l := &w.Lectures[j]
			if l.ID == "" {
				l.ID = uuid.NewString()
			}
			l.WeekID = w.ID
			s.lectures[l.ID] = lectureRef{courseID: c.ID, ordinal: w.Ordinal}
		}
		if w.Quiz != nil {
			q := *w.Quiz
			if q.ID == "" {
				q.ID = uuid.NewString()
			}
			q.WeekID, q.CourseID, q.Ordinal = w.ID, c.ID, w.Ordinal
			q.Questions = slices.Clone(q.Questions)
			w.Quiz = &q
			s.quizzes[q.ID] = &q
		}
		for j := range w.Assignments {
			a := &w.Assignments[j]
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.WeekID, a.CourseID, a.Ordinal = w.ID, c.ID, w.Ordinal
			cp := *a
			s.assignments[a.ID] = &cp
		}
	}
	sort.Slice(c.Weeks, func(i, j int) bool { return c.Weeks[i].Ordinal < c.Weeks[j].Ordinal })
	s.courses[c.ID] = &c
	return nil
}

func (s *MemoryStore) GetCourse(_ context.Context, courseID string) (*Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	c, ok := s.courses[courseID]
	if !ok {
		return nil, NotFound.With("GetCourse", courseID)
	}
	cp := *c
	cp.Weeks = slices.Clone(c.Weeks)
	return &cp, nil
}

func (s *MemoryStore) GetQuiz(_ context.Context, quizID string) (*Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	q, ok := s.quizzes[quizID]
	if !ok {
		return nil, NotFound.With("GetQuiz", quizID)
	}
	cp := *q
	cp.Questions = slices.Clone(q.Questions)
	return &cp, nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, assignmentID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, NotFound.With("GetAssignment", assignmentID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetLectureWeek(_ context.Context, lectureID string) (string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return "", 0, err
	}

	ref, ok := s.lectures[lectureID]
	if !ok {
		return "", 0, NotFound.With("GetLectureWeek", lectureID)
	}
	return ref.courseID, ref.ordinal, nil
}

func (s *MemoryStore) CreateEnrollment(_ context.Context, e Enrollment) (*Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	for _, existing := range s.enrollments {
		if existing.Active && existing.StudentID == e.StudentID && existing.CourseID == e.CourseID {
			return nil, AlreadyEnrolled.With("CreateEnrollment", existing.ID)
		}
	}
	e.ID = uuid.NewString()
	if e.CertificateStatus == "" {
		e.CertificateStatus = CertificateNotRequested
	}
	s.enrollments[e.ID] = &e
	cp := e
	return &cp, nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, id string) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	e, ok := s.enrollments[id]
	if !ok {
		return nil, NotFound.With("GetEnrollment", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindEnrollment(_ context.Context, studentID, courseID string) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	for _, e := range s.enrollments {
		if e.Active && e.StudentID == studentID && e.CourseID == courseID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, NotFound.With("FindEnrollment", studentID+"/"+courseID)
}

func (s *MemoryStore) ListEnrollments(_ context.Context, courseID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Enrollment
	for _, e := range s.enrollments {
		if e.CourseID == courseID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *MemoryStore) TransitionCertificate(_ context.Context, enrollmentID string, from []CertificateStatus, to CertificateStatus, ref, serial string) (*Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	e, ok := s.enrollments[enrollmentID]
	if !ok {
		return nil, NotFound.With("TransitionCertificate", enrollmentID)
	}
	if !slices.Contains(from, e.CertificateStatus) {
		return nil, InvalidTransition.With("TransitionCertificate", enrollmentID)
	}
	e.CertificateStatus = to
	e.CertificateRef = ref
	e.CertificateSerial = serial
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListCertificateRequests(_ context.Context) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Enrollment
	for _, e := range s.enrollments {
		if e.CertificateStatus != CertificateNotRequested {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkLectureViewed(_ context.Context, studentID, lectureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if _, ok := s.lectures[lectureID]; !ok {
		return NotFound.With("MarkLectureViewed", lectureID)
	}
	if s.views[studentID] == nil {
		s.views[studentID] = make(map[string]bool)
	}
	s.views[studentID][lectureID] = true
	return nil
}

func (s *MemoryStore) ViewedLectures(_ context.Context, studentID, courseID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make(map[string]bool)
	for id := range s.views[studentID] {
		if s.lectures[id].courseID == courseID {
			out[id] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, a Attempt) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	for _, existing := range s.attempts {
		if existing.Status == AttemptInProgress && existing.StudentID == a.StudentID && existing.QuizID == a.QuizID {
			return nil, AttemptAlreadyActive.With("CreateAttempt", existing.ID)
		}
	}
	a.ID = uuid.NewString()
	a.Status = AttemptInProgress
	if a.Answers == nil {
		a.Answers = make(map[int]*string)
	}
	stored := copyAttempt(&a)
	s.attempts[a.ID] = stored
	return copyAttempt(stored), nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id string) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	a, ok := s.attempts[id]
	if !ok {
		return nil, NotFound.With("GetAttempt", id)
	}
	return copyAttempt(a), nil
}

func (s *MemoryStore) ResolveQuestion(_ context.Context, attemptID string, seq int, answer *string, nextSeq int, nextDeadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}

	a, ok := s.attempts[attemptID]
	if !ok {
		return false, NotFound.With("ResolveQuestion", attemptID)
	}
	if a.Status != AttemptInProgress || a.CurrentSeq != seq || a.Resolved(seq) {
		return false, nil
	}
	if answer != nil {
		v := *answer
		answer = &v
	}
	a.Answers[seq] = answer
	a.CurrentSeq = nextSeq
	a.QuestionDeadline = nextDeadline
	return true, nil
}

func (s *MemoryStore) FinalizeAttempt(_ context.Context, attemptID string, score, total int, at time.Time) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, NotFound.With("FinalizeAttempt", attemptID)
	}
	switch a.Status {
	case AttemptSubmitted:
		return copyAttempt(a), nil
	case AttemptAbandoned:
		return nil, InvalidTransition.With("FinalizeAttempt", attemptID)
	}
	a.Status = AttemptSubmitted
	a.Score = score
	a.TotalQuestions = total
	a.SubmittedAt = &at
	return copyAttempt(a), nil
}

func (s *MemoryStore) AbandonAttempt(_ context.Context, attemptID string, at time.Time) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, NotFound.With("AbandonAttempt", attemptID)
	}
	if a.Status != AttemptInProgress {
		return nil, InvalidTransition.With("AbandonAttempt", attemptID)
	}
	a.Status = AttemptAbandoned
	a.SubmittedAt = &at
	return copyAttempt(a), nil
}

func (s *MemoryStore) LatestSubmittedAttempts(_ context.Context, studentID, courseID string) (map[string]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make(map[string]Attempt)
	for _, a := range s.attempts {
		if a.StudentID != studentID || a.Status != AttemptSubmitted {
			continue
		}
		q, ok := s.quizzes[a.QuizID]
		if !ok || q.CourseID != courseID {
			continue
		}
		if prev, ok := out[a.QuizID]; ok && !prev.SubmittedAt.Before(*a.SubmittedAt) {
			continue
		}
		out[a.QuizID] = *copyAttempt(a)
	}
	return out, nil
}

func (s *MemoryStore) ListInProgressAttempts(_ context.Context) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Attempt
	for _, a := range s.attempts {
		if a.Status == AttemptInProgress {
			out = append(out, *copyAttempt(a))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub Submission) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	for _, existing := range s.submissions {
		if existing.AssignmentID == sub.AssignmentID && existing.StudentID == sub.StudentID {
			return nil, AlreadySubmitted.With("CreateSubmission", existing.ID)
		}
	}
	sub.ID = uuid.NewString()
	sub.Graded = false
	s.submissions[sub.ID] = &sub
	cp := sub
	return &cp, nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	sub, ok := s.submissions[id]
	if !ok {
		return nil, NotFound.With("GetSubmission", id)
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) GradeSubmission(_ context.Context, id string, marks int, remarks string, at time.Time) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	sub, ok := s.submissions[id]
	if !ok {
		return nil, NotFound.With("GradeSubmission", id)
	}
	if sub.Graded {
		return nil, AlreadyGraded.With("GradeSubmission", id)
	}
	sub.Graded = true
	sub.ObtainedMarks = marks
	sub.Remarks = remarks
	sub.GradedAt = &at
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) StudentSubmissions(_ context.Context, studentID, courseID string) (map[string]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make(map[string]Submission)
	for _, sub := range s.submissions {
		a, ok := s.assignments[sub.AssignmentID]
		if sub.StudentID == studentID && ok && a.CourseID == courseID {
			out[sub.AssignmentID] = *sub
		}
	}
	return out, nil
}

func (s *MemoryStore) PendingSubmissions(_ context.Context, courseID string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Submission
	for _, sub := range s.submissions {
		a, ok := s.assignments[sub.AssignmentID]
		if !sub.Graded && ok && a.CourseID == courseID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) CreateFreeze(_ context.Context, f Freeze) (*Freeze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	for _, existing := range s.freezes {
		if existing.StudentID == f.StudentID && existing.CourseID == f.CourseID &&
			(existing.Status == FreezePending || existing.Status == FreezeApproved) {
			return nil, ConflictingFreeze.With("CreateFreeze", existing.ID)
		}
	}
	f.ID = uuid.NewString()
	f.Status = FreezePending
	s.freezes[f.ID] = &f
	cp := f
	return &cp, nil
}

func (s *MemoryStore) GetFreeze(_ context.Context, id string) (*Freeze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	f, ok := s.freezes[id]
	if !ok {
		return nil, NotFound.With("GetFreeze", id)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFreezes(_ context.Context, filter FreezeFilter) ([]Freeze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Freeze
	for _, f := range s.freezes {
		if filter.StudentID != "" && f.StudentID != filter.StudentID {
			continue
		}
		if filter.CourseID != "" && f.CourseID != filter.CourseID {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionFreeze(_ context.Context, id string, from, to FreezeStatus, frontier int, at time.Time) (*Freeze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	f, ok := s.freezes[id]
	if !ok {
		return nil, NotFound.With("TransitionFreeze", id)
	}
	if f.Status != from {
		return nil, InvalidTransition.With("TransitionFreeze", id)
	}
	f.Status = to
	if to == FreezeApproved {
		f.FrontierWeek = frontier
	}
	f.UpdatedAt = at
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ResumeFreeze(_ context.Context, id string, extendBy time.Duration, at time.Time) (*Freeze, *Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, nil, err
	}

	f, ok := s.freezes[id]
	if !ok {
		return nil, nil, NotFound.With("ResumeFreeze", id)
	}
	if f.Status != FreezeApproved {
		return nil, nil, InvalidTransition.With("ResumeFreeze", id)
	}
	var enrollment *Enrollment
	for _, e := range s.enrollments {
		if e.Active && e.StudentID == f.StudentID && e.CourseID == f.CourseID {
			enrollment = e
			break
		}
	}
	if enrollment == nil {
		return nil, nil, NotFound.With("ResumeFreeze", f.StudentID+"/"+f.CourseID)
	}

	f.Status = FreezeResumed
	f.UpdatedAt = at
	enrollment.PlannedEndDate = enrollment.PlannedEndDate.Add(extendBy)

	fc, ec := *f, *enrollment
	return &fc, &ec, nil
}

func copyAttempt(a *Attempt) *Attempt {
	cp := *a
	cp.Answers = make(map[int]*string, len(a.Answers))
	for k, v := range a.Answers {
		if v != nil {
			s := *v
			cp.Answers[k] = &s
		} else {
			cp.Answers[k] = nil
		}
	}
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		cp.SubmittedAt = &t
	}
	return &cp
}
