package catalog

// CourseFile is a course definition as written in a catalog YAML file.
type CourseFile struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Active *bool      `yaml:"active"`
	Weeks  []WeekFile `yaml:"weeks"`
}

// WeekFile is one week of a course definition.
type WeekFile struct {
	Ordinal     int              `yaml:"ordinal"`
	Title       string           `yaml:"title"`
	Lectures    []LectureFile    `yaml:"lectures"`
	Quiz        *QuizFile        `yaml:"quiz"`
	Assignments []AssignmentFile `yaml:"assignments"`
}

// LectureFile is a lecture entry; ContentRef points into the blob store.
type LectureFile struct {
	Title      string `yaml:"title"`
	ContentRef string `yaml:"content_ref"`
}

// QuizFile is a week's quiz. Questions are numbered in file order.
type QuizFile struct {
	Title      string         `yaml:"title"`
	TotalMarks int            `yaml:"total_marks"`
	Questions  []QuestionFile `yaml:"questions"`
}

// QuestionFile is a multiple-choice question with exactly four options.
type QuestionFile struct {
	Text       string   `yaml:"text"`
	Options    []string `yaml:"options"`
	Answer     string   `yaml:"answer"`
	Difficulty string   `yaml:"difficulty"`
}

// AssignmentFile is graded coursework attached to a week.
type AssignmentFile struct {
	Title      string `yaml:"title"`
	TotalMarks int    `yaml:"total_marks"`
	DuePolicy  string `yaml:"due_policy"`
}
