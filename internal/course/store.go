package course

import (
	"context"
	"time"
)

// Catalog reads and seeds course content.
type Catalog interface {
	SaveCourse(ctx context.Context, c Course) error
	GetCourse(ctx context.Context, courseID string) (*Course, error)
	GetQuiz(ctx context.Context, quizID string) (*Quiz, error)
	GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error)
	GetLectureWeek(ctx context.Context, lectureID string) (courseID string, ordinal int, err error)
}

// EnrollmentStore persists enrollments and the certificate workflow.
type EnrollmentStore interface {
	// CreateEnrollment fails with AlreadyEnrolled if an active enrollment exists for the pair.
	CreateEnrollment(ctx context.Context, e Enrollment) (*Enrollment, error)
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	FindEnrollment(ctx context.Context, studentID, courseID string) (*Enrollment, error)
	ListEnrollments(ctx context.Context, courseID string) ([]Enrollment, error)
	// TransitionCertificate moves the certificate status to `to` only if it is
	// currently one of `from`; otherwise it fails with InvalidTransition.
	TransitionCertificate(ctx context.Context, enrollmentID string, from []CertificateStatus, to CertificateStatus, ref, serial string) (*Enrollment, error)
	ListCertificateRequests(ctx context.Context) ([]Enrollment, error)
	MarkLectureViewed(ctx context.Context, studentID, lectureID string) error
	ViewedLectures(ctx context.Context, studentID, courseID string) (map[string]bool, error)
}

// AttemptStore persists quiz attempts.
type AttemptStore interface {
	// CreateAttempt fails with AttemptAlreadyActive when the (student, quiz)
	// pair already has an InProgress attempt.
	CreateAttempt(ctx context.Context, a Attempt) (*Attempt, error)
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	// ResolveQuestion records the answer for seq (nil for a timeout) and
	// advances the attempt, only if the attempt is InProgress and seq is its
	// current question. It reports whether the write was applied.
	ResolveQuestion(ctx context.Context, attemptID string, seq int, answer *string, nextSeq int, nextDeadline time.Time) (bool, error)
	// FinalizeAttempt moves an InProgress attempt to Submitted with the given
	// score. An already Submitted attempt is returned unchanged.
	FinalizeAttempt(ctx context.Context, attemptID string, score, total int, at time.Time) (*Attempt, error)
	AbandonAttempt(ctx context.Context, attemptID string, at time.Time) (*Attempt, error)
	// LatestSubmittedAttempts returns the most recent Submitted attempt per quiz of the course.
	LatestSubmittedAttempts(ctx context.Context, studentID, courseID string) (map[string]Attempt, error)
	ListInProgressAttempts(ctx context.Context) ([]Attempt, error)
}

// SubmissionStore persists assignment submissions.
type SubmissionStore interface {
	// CreateSubmission fails with AlreadySubmitted for a second submission by the same student.
	CreateSubmission(ctx context.Context, s Submission) (*Submission, error)
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	// GradeSubmission fails with AlreadyGraded if the submission is graded.
	GradeSubmission(ctx context.Context, id string, marks int, remarks string, at time.Time) (*Submission, error)
	StudentSubmissions(ctx context.Context, studentID, courseID string) (map[string]Submission, error)
	PendingSubmissions(ctx context.Context, courseID string) ([]Submission, error)
}

// FreezeStore persists course freezes.
type FreezeStore interface {
	// CreateFreeze fails with ConflictingFreeze when a Pending or Approved
	// freeze exists for the (student, course) pair.
	CreateFreeze(ctx context.Context, f Freeze) (*Freeze, error)
	GetFreeze(ctx context.Context, id string) (*Freeze, error)
	ListFreezes(ctx context.Context, filter FreezeFilter) ([]Freeze, error)
	// TransitionFreeze moves a freeze from `from` to `to`, recording frontier
	// on approval. Fails with InvalidTransition if the status is not `from`.
	TransitionFreeze(ctx context.Context, id string, from, to FreezeStatus, frontier int, at time.Time) (*Freeze, error)
	// ResumeFreeze moves an Approved freeze to Resumed and extends the
	// enrollment's planned end date in one write.
	ResumeFreeze(ctx context.Context, id string, extendBy time.Duration, at time.Time) (*Freeze, *Enrollment, error)
}

// Store is the full Entity Store the core depends on.
type Store interface {
	Catalog
	EnrollmentStore
	AttemptStore
	SubmissionStore
	FreezeStore
	HealthCheck(ctx context.Context) error
}
