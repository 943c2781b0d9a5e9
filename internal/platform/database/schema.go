package database

const migration001Catalog = `
CREATE TABLE IF NOT EXISTS courses (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS weeks (
    id TEXT PRIMARY KEY,
    course_id TEXT NOT NULL REFERENCES courses(id),
    ordinal INTEGER NOT NULL CHECK (ordinal >= 1),
    title TEXT NOT NULL DEFAULT '',
    UNIQUE (course_id, ordinal)
);

CREATE TABLE IF NOT EXISTS lectures (
    id TEXT PRIMARY KEY,
    week_id TEXT NOT NULL REFERENCES weeks(id),
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    content_ref TEXT
);

CREATE TABLE IF NOT EXISTS quizzes (
    id TEXT PRIMARY KEY,
    week_id TEXT NOT NULL UNIQUE REFERENCES weeks(id),
    title TEXT NOT NULL DEFAULT '',
    total_marks INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
    quiz_id TEXT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    option1 TEXT NOT NULL,
    option2 TEXT NOT NULL,
    option3 TEXT NOT NULL,
    option4 TEXT NOT NULL,
    correct TEXT NOT NULL,
    difficulty TEXT,
    PRIMARY KEY (quiz_id, seq)
);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    week_id TEXT NOT NULL REFERENCES weeks(id),
    title TEXT NOT NULL,
    total_marks INTEGER NOT NULL CHECK (total_marks >= 0),
    due_policy TEXT
);

CREATE INDEX IF NOT EXISTS idx_weeks_course ON weeks(course_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_lectures_week ON lectures(week_id, position);
CREATE INDEX IF NOT EXISTS idx_assignments_week ON assignments(week_id);
`

const migration002Progress = `
CREATE TABLE IF NOT EXISTS enrollments (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_id TEXT NOT NULL,
    course_id TEXT NOT NULL REFERENCES courses(id),
    allocation_id TEXT,
    start_date TIMESTAMPTZ NOT NULL,
    planned_end_date TIMESTAMPTZ NOT NULL,
    timeframe_weeks INTEGER NOT NULL CHECK (timeframe_weeks >= 1),
    active BOOLEAN NOT NULL DEFAULT TRUE,
    certificate_status TEXT NOT NULL DEFAULT 'NotRequested',
    certificate_ref TEXT,
    certificate_serial TEXT,
    CONSTRAINT valid_certificate_status
        CHECK (certificate_status IN ('NotRequested', 'Pending', 'Issued', 'Rejected'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_enrollments_active
    ON enrollments(student_id, course_id) WHERE active;

CREATE TABLE IF NOT EXISTS lecture_views (
    student_id TEXT NOT NULL,
    lecture_id TEXT NOT NULL REFERENCES lectures(id),
    viewed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (student_id, lecture_id)
);

CREATE TABLE IF NOT EXISTS quiz_attempts (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_id TEXT NOT NULL,
    quiz_id TEXT NOT NULL REFERENCES quizzes(id),
    status TEXT NOT NULL DEFAULT 'InProgress',
    answers JSONB NOT NULL DEFAULT '{}'::jsonb,
    current_seq INTEGER NOT NULL DEFAULT 1,
    question_deadline TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    submitted_at TIMESTAMPTZ,
    score INTEGER NOT NULL DEFAULT 0,
    total_questions INTEGER NOT NULL DEFAULT 0,
    CONSTRAINT valid_attempt_status CHECK (status IN ('InProgress', 'Submitted', 'Abandoned'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_quiz_attempts_in_progress
    ON quiz_attempts(student_id, quiz_id) WHERE status = 'InProgress';
CREATE INDEX IF NOT EXISTS idx_quiz_attempts_student ON quiz_attempts(student_id, quiz_id, submitted_at DESC);

CREATE TABLE IF NOT EXISTS assignment_submissions (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    assignment_id TEXT NOT NULL REFERENCES assignments(id),
    student_id TEXT NOT NULL,
    file_ref TEXT NOT NULL,
    obtained_marks INTEGER NOT NULL DEFAULT 0,
    remarks TEXT,
    graded BOOLEAN NOT NULL DEFAULT FALSE,
    submitted_at TIMESTAMPTZ NOT NULL,
    graded_at TIMESTAMPTZ,
    UNIQUE (assignment_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_submissions_pending ON assignment_submissions(assignment_id) WHERE NOT graded;

CREATE TABLE IF NOT EXISTS course_freezes (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_id TEXT NOT NULL,
    course_id TEXT NOT NULL REFERENCES courses(id),
    start_week INTEGER NOT NULL,
    end_week INTEGER NOT NULL,
    frontier_week INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'Pending',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT valid_freeze_range CHECK (start_week >= 1 AND start_week <= end_week),
    CONSTRAINT valid_freeze_status CHECK (status IN ('Pending', 'Approved', 'Rejected', 'Resumed'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_course_freezes_open
    ON course_freezes(student_id, course_id) WHERE status IN ('Pending', 'Approved');
`

const migration003Activity = `
CREATE TABLE IF NOT EXISTS activity_events (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL,
    course_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    subject_id TEXT NOT NULL DEFAULT '',
    data JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_activity_student ON activity_events(student_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_activity_type ON activity_events(event_type, created_at DESC);
`
