package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbTimeout       = 5 * time.Second
	uniqueViolation = "23505"
)

// PostgresStore is a PostgreSQL-backed Store. The uniqueness slots are
// partial unique indexes, so concurrent creates race in the database, not here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// checkID rejects ids that are not UUIDs before they reach a uuid cast. Such
// a row cannot exist.
func checkID(op, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return NotFound.With(op, id)
	}
	return nil
}

// NewPostgresStore creates a PostgreSQL-backed store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) SaveCourse(ctx context.Context, c Course) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if c.ID == "" {
		return fmt.Errorf("course id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save course: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO courses (id, name, active) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		c.ID, c.Name, c.Active,
	); err != nil {
		return fmt.Errorf("upsert course: %w", err)
	}

	for _, w := range c.Weeks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO weeks (id, course_id, ordinal, title) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET ordinal = EXCLUDED.ordinal, title = EXCLUDED.title`,
			w.ID, c.ID, w.Ordinal, w.Title,
		); err != nil {
			return fmt.Errorf("upsert week %d: %w", w.Ordinal, err)
		}
		for i, l := range w.Lectures {
			if _, err := tx.Exec(ctx,
				`INSERT INTO lectures (id, week_id, position, title, content_ref) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (id) DO UPDATE SET position = EXCLUDED.position, title = EXCLUDED.title, content_ref = EXCLUDED.content_ref`,
				l.ID, w.ID, i+1, l.Title, nullIfEmpty(l.ContentRef),
			); err != nil {
				return fmt.Errorf("upsert lecture %s: %w", l.ID, err)
			}
		}
		if q := w.Quiz; q != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO quizzes (id, week_id, title, total_marks) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, total_marks = EXCLUDED.total_marks`,
				q.ID, w.ID, q.Title, q.TotalMarks,
			); err != nil {
				return fmt.Errorf("upsert quiz %s: %w", q.ID, err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE quiz_id = $1`, q.ID); err != nil {
				return fmt.Errorf("clear questions: %w", err)
			}
			for _, qs := range q.Questions {
				if _, err := tx.Exec(ctx,
					`INSERT INTO questions (quiz_id, seq, text, option1, option2, option3, option4, correct, difficulty)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					q.ID, qs.Seq, qs.Text, qs.Options[0], qs.Options[1], qs.Options[2], qs.Options[3],
					qs.Correct, nullIfEmpty(qs.Difficulty),
				); err != nil {
					return fmt.Errorf("insert question %d: %w", qs.Seq, err)
				}
			}
		}
		for _, a := range w.Assignments {
			if _, err := tx.Exec(ctx,
				`INSERT INTO assignments (id, week_id, title, total_marks, due_policy) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, total_marks = EXCLUDED.total_marks, due_policy = EXCLUDED.due_policy`,
				a.ID, w.ID, a.Title, a.TotalMarks, nullIfEmpty(a.DuePolicy),
			); err != nil {
				return fmt.Errorf("upsert assignment %s: %w", a.ID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save course: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	c := &Course{}
	err := s.pool.QueryRow(ctx, `SELECT id, name, active FROM courses WHERE id = $1`, courseID).
		Scan(&c.ID, &c.Name, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetCourse", courseID)
		}
		return nil, fmt.Errorf("get course: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, ordinal, title FROM weeks WHERE course_id = $1 ORDER BY ordinal`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query weeks: %w", err)
	}
	byID := map[string]int{}
	for rows.Next() {
		w := Week{CourseID: courseID}
		if err := rows.Scan(&w.ID, &w.Ordinal, &w.Title); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan week: %w", err)
		}
		byID[w.ID] = len(c.Weeks)
		c.Weeks = append(c.Weeks, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weeks: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT l.id, l.week_id, l.title, l.content_ref
		 FROM lectures l JOIN weeks w ON w.id = l.week_id
		 WHERE w.course_id = $1 ORDER BY w.ordinal, l.position`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query lectures: %w", err)
	}
	for rows.Next() {
		var l Lecture
		var ref *string
		if err := rows.Scan(&l.ID, &l.WeekID, &l.Title, &ref); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lecture: %w", err)
		}
		if ref != nil {
			l.ContentRef = *ref
		}
		i := byID[l.WeekID]
		c.Weeks[i].Lectures = append(c.Weeks[i].Lectures, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lectures: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT a.id, a.week_id, a.title, a.total_marks, a.due_policy
		 FROM assignments a JOIN weeks w ON w.id = a.week_id
		 WHERE w.course_id = $1 ORDER BY w.ordinal, a.id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	for rows.Next() {
		var a Assignment
		var due *string
		if err := rows.Scan(&a.ID, &a.WeekID, &a.Title, &a.TotalMarks, &due); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if due != nil {
			a.DuePolicy = *due
		}
		i := byID[a.WeekID]
		a.CourseID, a.Ordinal = courseID, c.Weeks[i].Ordinal
		c.Weeks[i].Assignments = append(c.Weeks[i].Assignments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT q.id FROM quizzes q JOIN weeks w ON w.id = q.week_id WHERE w.course_id = $1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query quizzes: %w", err)
	}
	quizIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect quizzes: %w", err)
	}
	for _, id := range quizIDs {
		q, err := s.getQuiz(ctx, id)
		if err != nil {
			return nil, err
		}
		c.Weeks[byID[q.WeekID]].Quiz = q
	}

	return c, nil
}

func (s *PostgresStore) GetQuiz(ctx context.Context, quizID string) (*Quiz, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.getQuiz(ctx, quizID)
}

func (s *PostgresStore) getQuiz(ctx context.Context, quizID string) (*Quiz, error) {
	q := &Quiz{}
	err := s.pool.QueryRow(ctx,
		`SELECT q.id, q.week_id, w.course_id, w.ordinal, q.title, q.total_marks
		 FROM quizzes q JOIN weeks w ON w.id = q.week_id
		 WHERE q.id = $1`, quizID,
	).Scan(&q.ID, &q.WeekID, &q.CourseID, &q.Ordinal, &q.Title, &q.TotalMarks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetQuiz", quizID)
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, text, option1, option2, option3, option4, correct, difficulty
		 FROM questions WHERE quiz_id = $1 ORDER BY seq`, quizID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var qs Question
		var difficulty *string
		if err := rows.Scan(&qs.Seq, &qs.Text, &qs.Options[0], &qs.Options[1], &qs.Options[2], &qs.Options[3],
			&qs.Correct, &difficulty); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if difficulty != nil {
			qs.Difficulty = *difficulty
		}
		q.Questions = append(q.Questions, qs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	a := &Assignment{}
	var due *string
	err := s.pool.QueryRow(ctx,
		`SELECT a.id, a.week_id, w.course_id, w.ordinal, a.title, a.total_marks, a.due_policy
		 FROM assignments a JOIN weeks w ON w.id = a.week_id
		 WHERE a.id = $1`, assignmentID,
	).Scan(&a.ID, &a.WeekID, &a.CourseID, &a.Ordinal, &a.Title, &a.TotalMarks, &due)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetAssignment", assignmentID)
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if due != nil {
		a.DuePolicy = *due
	}
	return a, nil
}

func (s *PostgresStore) GetLectureWeek(ctx context.Context, lectureID string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var courseID string
	var ordinal int
	err := s.pool.QueryRow(ctx,
		`SELECT w.course_id, w.ordinal FROM lectures l JOIN weeks w ON w.id = l.week_id WHERE l.id = $1`,
		lectureID,
	).Scan(&courseID, &ordinal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, NotFound.With("GetLectureWeek", lectureID)
		}
		return "", 0, fmt.Errorf("get lecture week: %w", err)
	}
	return courseID, ordinal, nil
}

const enrollmentColumns = `id::text, student_id, course_id, allocation_id, start_date, planned_end_date,
	timeframe_weeks, active, certificate_status, certificate_ref, certificate_serial`

func scanEnrollment(row pgx.Row) (*Enrollment, error) {
	e := &Enrollment{}
	var allocation, ref, serial *string
	var status string
	if err := row.Scan(&e.ID, &e.StudentID, &e.CourseID, &allocation, &e.StartDate, &e.PlannedEndDate,
		&e.TimeframeWeeks, &e.Active, &status, &ref, &serial); err != nil {
		return nil, err
	}
	e.CertificateStatus = CertificateStatus(status)
	e.AllocationID = deref(allocation)
	e.CertificateRef = deref(ref)
	e.CertificateSerial = deref(serial)
	return e, nil
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e Enrollment) (*Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if e.CertificateStatus == "" {
		e.CertificateStatus = CertificateNotRequested
	}
	out, err := scanEnrollment(s.pool.QueryRow(ctx,
		`INSERT INTO enrollments (student_id, course_id, allocation_id, start_date, planned_end_date,
		   timeframe_weeks, active, certificate_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+enrollmentColumns,
		e.StudentID, e.CourseID, nullIfEmpty(e.AllocationID), e.StartDate, e.PlannedEndDate,
		e.TimeframeWeeks, e.Active, string(e.CertificateStatus),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, AlreadyEnrolled.With("CreateEnrollment", e.StudentID+"/"+e.CourseID)
		}
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	if err := checkID("GetEnrollment", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetEnrollment", id)
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindEnrollment(ctx context.Context, studentID, courseID string) (*Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE student_id = $1 AND course_id = $2 AND active
		 LIMIT 1`, studentID, courseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("FindEnrollment", studentID+"/"+courseID)
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEnrollments(ctx context.Context, courseID string) ([]Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.listEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE course_id = $1 ORDER BY start_date`, courseID)
}

func (s *PostgresStore) ListCertificateRequests(ctx context.Context) ([]Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return s.listEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE certificate_status <> 'NotRequested' ORDER BY id`)
}

func (s *PostgresStore) listEnrollments(ctx context.Context, query string, args ...any) ([]Enrollment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TransitionCertificate(ctx context.Context, enrollmentID string, from []CertificateStatus, to CertificateStatus, ref, serial string) (*Enrollment, error) {
	if err := checkID("TransitionCertificate", enrollmentID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`UPDATE enrollments
		 SET certificate_status = $2, certificate_ref = $3, certificate_serial = $4
		 WHERE id = $1::uuid AND certificate_status = ANY($5)
		 RETURNING `+enrollmentColumns,
		enrollmentID, string(to), nullIfEmpty(ref), nullIfEmpty(serial), allowed,
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition certificate: %w", err)
	}
	if _, err := s.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return nil, InvalidTransition.With("TransitionCertificate", enrollmentID)
}

func (s *PostgresStore) MarkLectureViewed(ctx context.Context, studentID, lectureID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO lecture_views (student_id, lecture_id)
		 SELECT $1, l.id FROM lectures l WHERE l.id = $2
		 ON CONFLICT (student_id, lecture_id) DO NOTHING`,
		studentID, lectureID,
	)
	if err != nil {
		return fmt.Errorf("mark lecture viewed: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		if _, _, err := s.GetLectureWeek(ctx, lectureID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ViewedLectures(ctx context.Context, studentID, courseID string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT v.lecture_id
		 FROM lecture_views v
		 JOIN lectures l ON l.id = v.lecture_id
		 JOIN weeks w ON w.id = l.week_id
		 WHERE v.student_id = $1 AND w.course_id = $2`, studentID, courseID)
	if err != nil {
		return nil, fmt.Errorf("query lecture views: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect lecture views: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

const attemptColumns = `id::text, student_id, quiz_id, status, answers, current_seq, question_deadline,
	started_at, submitted_at, score, total_questions`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	a := &Attempt{}
	var status string
	var answers []byte
	if err := row.Scan(&a.ID, &a.StudentID, &a.QuizID, &status, &answers, &a.CurrentSeq, &a.QuestionDeadline,
		&a.StartedAt, &a.SubmittedAt, &a.Score, &a.TotalQuestions); err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	parsed, err := parseAnswers(answers)
	if err != nil {
		return nil, err
	}
	a.Answers = parsed
	return a, nil
}

// parseAnswers decodes the answers column, a JSON object keyed by question seq.
func parseAnswers(raw []byte) (map[int]*string, error) {
	out := make(map[int]*string)
	if len(raw) == 0 {
		return out, nil
	}
	var byKey map[string]*string
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	for k, v := range byKey {
		seq, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode answers: bad seq %q", k)
		}
		out[seq] = v
	}
	return out, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, a Attempt) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	out, err := scanAttempt(s.pool.QueryRow(ctx,
		`INSERT INTO quiz_attempts (student_id, quiz_id, status, answers, current_seq, question_deadline,
		   started_at, total_questions)
		 VALUES ($1, $2, 'InProgress', '{}'::jsonb, $3, $4, $5, $6)
		 RETURNING `+attemptColumns,
		a.StudentID, a.QuizID, a.CurrentSeq, a.QuestionDeadline, a.StartedAt, a.TotalQuestions,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, AttemptAlreadyActive.With("CreateAttempt", a.StudentID+"/"+a.QuizID)
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	if err := checkID("GetAttempt", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetAttempt", id)
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ResolveQuestion(ctx context.Context, attemptID string, seq int, answer *string, nextSeq int, nextDeadline time.Time) (bool, error) {
	if err := checkID("ResolveQuestion", attemptID); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	key := strconv.Itoa(seq)
	cmd, err := s.pool.Exec(ctx,
		`UPDATE quiz_attempts
		 SET answers = answers || jsonb_build_object($2::text, $3::text),
		     current_seq = $4,
		     question_deadline = $5
		 WHERE id = $1::uuid
		   AND status = 'InProgress'
		   AND current_seq = $6
		   AND NOT (answers ? $2::text)`,
		attemptID, key, answer, nextSeq, nextDeadline, seq,
	)
	if err != nil {
		return false, fmt.Errorf("resolve question: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinalizeAttempt(ctx context.Context, attemptID string, score, total int, at time.Time) (*Attempt, error) {
	if err := checkID("FinalizeAttempt", attemptID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`UPDATE quiz_attempts
		 SET status = 'Submitted', score = $2, total_questions = $3, submitted_at = $4
		 WHERE id = $1::uuid AND status = 'InProgress'
		 RETURNING `+attemptColumns,
		attemptID, score, total, at,
	))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}

	existing, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if existing.Status == AttemptSubmitted {
		return existing, nil
	}
	return nil, InvalidTransition.With("FinalizeAttempt", attemptID)
}

func (s *PostgresStore) AbandonAttempt(ctx context.Context, attemptID string, at time.Time) (*Attempt, error) {
	if err := checkID("AbandonAttempt", attemptID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`UPDATE quiz_attempts SET status = 'Abandoned', submitted_at = $2
		 WHERE id = $1::uuid AND status = 'InProgress'
		 RETURNING `+attemptColumns,
		attemptID, at,
	))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("abandon attempt: %w", err)
	}
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return nil, InvalidTransition.With("AbandonAttempt", attemptID)
}

func (s *PostgresStore) LatestSubmittedAttempts(ctx context.Context, studentID, courseID string) (map[string]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (a.quiz_id) a.id::text, a.student_id, a.quiz_id, a.status, a.answers, a.current_seq,
		   a.question_deadline, a.started_at, a.submitted_at, a.score, a.total_questions
		 FROM quiz_attempts a
		 JOIN quizzes q ON q.id = a.quiz_id
		 JOIN weeks w ON w.id = q.week_id
		 WHERE a.student_id = $1 AND w.course_id = $2 AND a.status = 'Submitted'
		 ORDER BY a.quiz_id, a.submitted_at DESC`, studentID, courseID)
	if err != nil {
		return nil, fmt.Errorf("query submitted attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Attempt)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out[a.QuizID] = *a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListInProgressAttempts(ctx context.Context) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE status = 'InProgress' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("query in-progress attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

const submissionColumns = `id::text, assignment_id, student_id, file_ref, obtained_marks, remarks, graded,
	submitted_at, graded_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	sub := &Submission{}
	var remarks *string
	if err := row.Scan(&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.FileRef, &sub.ObtainedMarks, &remarks,
		&sub.Graded, &sub.SubmittedAt, &sub.GradedAt); err != nil {
		return nil, err
	}
	sub.Remarks = deref(remarks)
	return sub, nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub Submission) (*Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	out, err := scanSubmission(s.pool.QueryRow(ctx,
		`INSERT INTO assignment_submissions (assignment_id, student_id, file_ref, submitted_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+submissionColumns,
		sub.AssignmentID, sub.StudentID, sub.FileRef, sub.SubmittedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, AlreadySubmitted.With("CreateSubmission", sub.AssignmentID)
		}
		return nil, fmt.Errorf("create submission: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	if err := checkID("GetSubmission", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	sub, err := scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM assignment_submissions WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetSubmission", id)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GradeSubmission(ctx context.Context, id string, marks int, remarks string, at time.Time) (*Submission, error) {
	if err := checkID("GradeSubmission", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	sub, err := scanSubmission(s.pool.QueryRow(ctx,
		`UPDATE assignment_submissions
		 SET graded = TRUE, obtained_marks = $2, remarks = $3, graded_at = $4
		 WHERE id = $1::uuid AND NOT graded
		 RETURNING `+submissionColumns,
		id, marks, nullIfEmpty(remarks), at,
	))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("grade submission: %w", err)
	}
	if _, err := s.GetSubmission(ctx, id); err != nil {
		return nil, err
	}
	return nil, AlreadyGraded.With("GradeSubmission", id)
}

func (s *PostgresStore) StudentSubmissions(ctx context.Context, studentID, courseID string) (map[string]Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	subs, err := s.listSubmissions(ctx,
		`SELECT s.id::text, s.assignment_id, s.student_id, s.file_ref, s.obtained_marks, s.remarks, s.graded,
		   s.submitted_at, s.graded_at
		 FROM assignment_submissions s
		 JOIN assignments a ON a.id = s.assignment_id
		 JOIN weeks w ON w.id = a.week_id
		 WHERE s.student_id = $1 AND w.course_id = $2`, studentID, courseID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Submission, len(subs))
	for _, sub := range subs {
		out[sub.AssignmentID] = sub
	}
	return out, nil
}

func (s *PostgresStore) PendingSubmissions(ctx context.Context, courseID string) ([]Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return s.listSubmissions(ctx,
		`SELECT s.id::text, s.assignment_id, s.student_id, s.file_ref, s.obtained_marks, s.remarks, s.graded,
		   s.submitted_at, s.graded_at
		 FROM assignment_submissions s
		 JOIN assignments a ON a.id = s.assignment_id
		 JOIN weeks w ON w.id = a.week_id
		 WHERE w.course_id = $1 AND NOT s.graded
		 ORDER BY s.submitted_at`, courseID)
}

func (s *PostgresStore) listSubmissions(ctx context.Context, query string, args ...any) ([]Submission, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

const freezeColumns = `id::text, student_id, course_id, start_week, end_week, frontier_week, status,
	created_at, updated_at`

func scanFreeze(row pgx.Row) (*Freeze, error) {
	f := &Freeze{}
	var status string
	if err := row.Scan(&f.ID, &f.StudentID, &f.CourseID, &f.StartWeek, &f.EndWeek, &f.FrontierWeek, &status,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = FreezeStatus(status)
	return f, nil
}

func (s *PostgresStore) CreateFreeze(ctx context.Context, f Freeze) (*Freeze, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	out, err := scanFreeze(s.pool.QueryRow(ctx,
		`INSERT INTO course_freezes (student_id, course_id, start_week, end_week, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'Pending', $5, $5)
		 RETURNING `+freezeColumns,
		f.StudentID, f.CourseID, f.StartWeek, f.EndWeek, f.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ConflictingFreeze.With("CreateFreeze", f.StudentID+"/"+f.CourseID)
		}
		return nil, fmt.Errorf("create freeze: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetFreeze(ctx context.Context, id string) (*Freeze, error) {
	if err := checkID("GetFreeze", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	f, err := scanFreeze(s.pool.QueryRow(ctx,
		`SELECT `+freezeColumns+` FROM course_freezes WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound.With("GetFreeze", id)
		}
		return nil, fmt.Errorf("get freeze: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFreezes(ctx context.Context, filter FreezeFilter) ([]Freeze, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+freezeColumns+` FROM course_freezes
		 WHERE ($1 = '' OR student_id = $1)
		   AND ($2 = '' OR course_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY created_at DESC`,
		filter.StudentID, filter.CourseID, string(filter.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("query freezes: %w", err)
	}
	defer rows.Close()

	var out []Freeze
	for rows.Next() {
		f, err := scanFreeze(rows)
		if err != nil {
			return nil, fmt.Errorf("scan freeze: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate freezes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TransitionFreeze(ctx context.Context, id string, from, to FreezeStatus, frontier int, at time.Time) (*Freeze, error) {
	if err := checkID("TransitionFreeze", id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	f, err := scanFreeze(s.pool.QueryRow(ctx,
		`UPDATE course_freezes
		 SET status = $3,
		     frontier_week = CASE WHEN $3 = 'Approved' THEN $4 ELSE frontier_week END,
		     updated_at = $5
		 WHERE id = $1::uuid AND status = $2
		 RETURNING `+freezeColumns,
		id, string(from), string(to), frontier, at,
	))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition freeze: %w", err)
	}
	if _, err := s.GetFreeze(ctx, id); err != nil {
		return nil, err
	}
	return nil, InvalidTransition.With("TransitionFreeze", id)
}

func (s *PostgresStore) ResumeFreeze(ctx context.Context, id string, extendBy time.Duration, at time.Time) (*Freeze, *Enrollment, error) {
	if err := checkID("ResumeFreeze", id); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin resume freeze: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := scanFreeze(tx.QueryRow(ctx,
		`UPDATE course_freezes SET status = 'Resumed', updated_at = $2
		 WHERE id = $1::uuid AND status = 'Approved'
		 RETURNING `+freezeColumns,
		id, at,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("resume freeze: %w", err)
		}
		if _, err := s.GetFreeze(ctx, id); err != nil {
			return nil, nil, err
		}
		return nil, nil, InvalidTransition.With("ResumeFreeze", id)
	}

	e, err := scanEnrollment(tx.QueryRow(ctx,
		`UPDATE enrollments
		 SET planned_end_date = planned_end_date + make_interval(secs => $3::double precision)
		 WHERE student_id = $1 AND course_id = $2 AND active
		 RETURNING `+enrollmentColumns,
		f.StudentID, f.CourseID, extendBy.Seconds(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, NotFound.With("ResumeFreeze", f.StudentID+"/"+f.CourseID)
		}
		return nil, nil, fmt.Errorf("extend enrollment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit resume freeze: %w", err)
	}
	return f, e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
