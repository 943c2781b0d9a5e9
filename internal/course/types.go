// Package course holds the entities of the course progression domain and the
// Store contract the rest of the system reads and writes them through.
package course

import "time"

// CertificateStatus is the certificate workflow state of an enrollment.
type CertificateStatus string

const (
	CertificateNotRequested CertificateStatus = "NotRequested"
	CertificatePending      CertificateStatus = "Pending"
	CertificateIssued       CertificateStatus = "Issued"
	CertificateRejected     CertificateStatus = "Rejected"
)

// AttemptStatus is the lifecycle state of a quiz attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "InProgress"
	AttemptSubmitted  AttemptStatus = "Submitted"
	AttemptAbandoned  AttemptStatus = "Abandoned"
)

// FreezeStatus is the lifecycle state of a course freeze.
type FreezeStatus string

const (
	FreezePending  FreezeStatus = "Pending"
	FreezeApproved FreezeStatus = "Approved"
	FreezeRejected FreezeStatus = "Rejected"
	FreezeResumed  FreezeStatus = "Resumed"
)

// Course is a catalog course with its weekly content.
type Course struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Weeks  []Week `json:"weeks"`
}

// WeekCount returns the number of weeks in the course.
func (c Course) WeekCount() int {
	return len(c.Weeks)
}

// Week returns the week with the given ordinal.
func (c Course) Week(ordinal int) (Week, bool) {
	for _, w := range c.Weeks {
		if w.Ordinal == ordinal {
			return w, true
		}
	}
	return Week{}, false
}

// Week is one pacing unit of a course. Its unlock state is never stored.
type Week struct {
	ID          string       `json:"id"`
	CourseID    string       `json:"course_id"`
	Ordinal     int          `json:"ordinal"`
	Title       string       `json:"title"`
	Lectures    []Lecture    `json:"lectures"`
	Quiz        *Quiz        `json:"quiz,omitempty"`
	Assignments []Assignment `json:"assignments"`
}

// Lecture is a piece of content delivered in a week.
type Lecture struct {
	ID         string `json:"id"`
	WeekID     string `json:"week_id"`
	Title      string `json:"title"`
	ContentRef string `json:"content_ref,omitempty"`
}

// Question is a single multiple-choice quiz question.
type Question struct {
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	Options    [4]string `json:"options"`
	Correct    string    `json:"-"`
	Difficulty string    `json:"difficulty,omitempty"`
}

// Quiz is the timed assessment attached to a week.
type Quiz struct {
	ID         string     `json:"id"`
	WeekID     string     `json:"week_id"`
	CourseID   string     `json:"course_id"`
	Ordinal    int        `json:"week_ordinal"`
	Title      string     `json:"title"`
	TotalMarks int        `json:"total_marks"`
	Questions  []Question `json:"questions"`
}

// QuestionCount returns the number of questions in the quiz.
func (q Quiz) QuestionCount() int {
	return len(q.Questions)
}

// Assignment is graded coursework attached to a week.
type Assignment struct {
	ID         string `json:"id"`
	WeekID     string `json:"week_id"`
	CourseID   string `json:"course_id"`
	Ordinal    int    `json:"week_ordinal"`
	Title      string `json:"title"`
	TotalMarks int    `json:"total_marks"`
	DuePolicy  string `json:"due_policy,omitempty"`
}

// Enrollment is a student's registration in one course.
type Enrollment struct {
	ID                string            `json:"id"`
	StudentID         string            `json:"student_id"`
	CourseID          string            `json:"course_id"`
	AllocationID      string            `json:"allocation_id,omitempty"`
	StartDate         time.Time         `json:"start_date"`
	PlannedEndDate    time.Time         `json:"planned_end_date"`
	TimeframeWeeks    int               `json:"timeframe_weeks"`
	Active            bool              `json:"active"`
	CertificateStatus CertificateStatus `json:"certificate_status"`
	CertificateRef    string            `json:"certificate_ref,omitempty"`
	CertificateSerial string            `json:"certificate_serial,omitempty"`
}

// Attempt is one timed run through a quiz. Answers maps question seq to the
// recorded answer; a nil entry is a question that timed out.
type Attempt struct {
	ID               string          `json:"id"`
	StudentID        string          `json:"student_id"`
	QuizID           string          `json:"quiz_id"`
	Status           AttemptStatus   `json:"status"`
	Answers          map[int]*string `json:"answers"`
	CurrentSeq       int             `json:"current_seq"`
	QuestionDeadline time.Time       `json:"question_deadline"`
	StartedAt        time.Time       `json:"started_at"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	Score            int             `json:"score"`
	TotalQuestions   int             `json:"total_questions"`
}

// Resolved reports whether the question with the given seq has been answered or timed out.
func (a Attempt) Resolved(seq int) bool {
	_, ok := a.Answers[seq]
	return ok
}

// Submission is a student's upload for an assignment. Immutable once graded.
type Submission struct {
	ID            string     `json:"id"`
	AssignmentID  string     `json:"assignment_id"`
	StudentID     string     `json:"student_id"`
	FileRef       string     `json:"file_ref"`
	ObtainedMarks int        `json:"obtained_marks"`
	Remarks       string     `json:"remarks,omitempty"`
	Graded        bool       `json:"graded"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	GradedAt      *time.Time `json:"graded_at,omitempty"`
}

// Freeze pauses a student's week unlocking over [StartWeek, EndWeek].
// FrontierWeek is the highest unlocked week when the freeze was approved.
type Freeze struct {
	ID           string       `json:"id"`
	StudentID    string       `json:"student_id"`
	CourseID     string       `json:"course_id"`
	StartWeek    int          `json:"start_week"`
	EndWeek      int          `json:"end_week"`
	FrontierWeek int          `json:"frontier_week"`
	Status       FreezeStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DurationWeeks returns the number of weeks the freeze window spans.
func (f Freeze) DurationWeeks() int {
	return f.EndWeek - f.StartWeek + 1
}

// Blocks reports whether the freeze prevents the given week from unlocking.
// Weeks already reached when the freeze was approved stay reachable.
func (f Freeze) Blocks(week int) bool {
	if f.Status != FreezeApproved {
		return false
	}
	return week >= f.StartWeek && week <= f.EndWeek && week > f.FrontierWeek
}

// FreezeFilter narrows ListFreezes. Empty fields match everything.
type FreezeFilter struct {
	StudentID string
	CourseID  string
	Status    FreezeStatus
}
