package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/p-n-ai/pai-course/internal/catalog"
	"github.com/p-n-ai/pai-course/internal/course"
)

const webCourse = `
id: web-101
name: "Web Fundamentals"
weeks:
  - ordinal: 2
    title: "CSS"
    assignments:
      - title: "Style a page"
        total_marks: 50
        due_policy: "end of week"
  - ordinal: 1
    title: "HTML"
    lectures:
      - title: "Tags"
        content_ref: "blob://web-101/tags.mp4"
      - title: "Forms"
    quiz:
      title: "HTML basics"
      questions:
        - text: "Which tag makes a link?"
          options: ["<a>", "<p>", "<div>", "<span>"]
          answer: "<a>"
          difficulty: easy
        - text: "Which tag makes a paragraph?"
          options: ["<a>", "<p>", "<div>", "<span>"]
          answer: "<P>"
          difficulty: easy
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_LoadCourses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web/web-101.yaml", webCourse)
	writeFile(t, dir, "README.md", "# not a course")

	loader, err := catalog.NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	c, ok := loader.Get("web-101")
	if !ok {
		t.Fatal("Get(web-101) not found")
	}
	if !c.Active {
		t.Error("course should default to active")
	}
	if c.WeekCount() != 2 || c.Weeks[0].Ordinal != 1 {
		t.Fatalf("weeks = %+v, want ordinals sorted 1,2", c.Weeks)
	}

	w1 := c.Weeks[0]
	if w1.ID != "web-101-w1" || len(w1.Lectures) != 2 || w1.Lectures[1].ID != "web-101-w1-l2" {
		t.Errorf("week 1 ids = %s %+v", w1.ID, w1.Lectures)
	}
	if w1.Quiz == nil || w1.Quiz.ID != "web-101-w1-quiz" {
		t.Fatalf("week 1 quiz = %+v", w1.Quiz)
	}
	if w1.Quiz.TotalMarks != 2 {
		t.Errorf("TotalMarks = %d, want question count", w1.Quiz.TotalMarks)
	}
	if q := w1.Quiz.Questions[1]; q.Seq != 2 || q.Options[1] != "<p>" || q.Correct != "<P>" {
		t.Errorf("question 2 = %+v", q)
	}

	w2 := c.Weeks[1]
	if len(w2.Assignments) != 1 || w2.Assignments[0].ID != "web-101-w2-a1" || w2.Assignments[0].TotalMarks != 50 {
		t.Errorf("week 2 assignments = %+v", w2.Assignments)
	}
}

func TestLoader_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", webCourse)
	writeFile(t, dir, "broken.yaml", "id: [unclosed")
	writeFile(t, dir, "gap.yml", `
id: gap
name: Gap
weeks:
  - ordinal: 1
  - ordinal: 3
`)
	writeFile(t, dir, "dup.yaml", webCourse)

	loader, err := catalog.NewLoader(dir)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if n := len(loader.Courses()); n != 1 {
		t.Errorf("Courses() = %d, want 1", n)
	}
}

func TestLoader_MissingDir(t *testing.T) {
	loader, err := catalog.NewLoader(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if n := len(loader.Courses()); n != 0 {
		t.Errorf("Courses() = %d, want 0", n)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "", "empty document"},
		{"no weeks", "id: a\nname: A\nweeks: []\n", "schema"},
		{"bad id", "id: Has Spaces\nname: A\nweeks:\n  - ordinal: 1\n", "schema"},
		{"three options", `
id: a
name: A
weeks:
  - ordinal: 1
    quiz:
      questions:
        - text: q
          options: [x, y, z]
          answer: x
`, "schema"},
		{"answer not an option", `
id: a
name: A
weeks:
  - ordinal: 1
    quiz:
      questions:
        - text: q
          options: [w, x, y, z]
          answer: v
`, "not one of the options"},
		{"duplicate week", "id: a\nname: A\nweeks:\n  - ordinal: 1\n  - ordinal: 1\n", "defined twice"},
		{"gap", "id: a\nname: A\nweeks:\n  - ordinal: 2\n", "week 1 missing"},
		{"bad difficulty", `
id: a
name: A
weeks:
  - ordinal: 1
    quiz:
      questions:
        - text: q
          options: [w, x, y, z]
          answer: w
          difficulty: brutal
`, "schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_Inactive(t *testing.T) {
	c, err := catalog.Parse([]byte("id: old\nname: Old\nactive: false\nweeks:\n  - ordinal: 1\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.Active {
		t.Error("Active = true, want false")
	}
}

func TestLoader_Seed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web.yaml", webCourse)
	loader, err := catalog.NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}

	store := course.NewMemoryStore()
	ctx := context.Background()
	for range 2 {
		n, err := loader.Seed(ctx, store)
		if err != nil {
			t.Fatalf("Seed() error = %v", err)
		}
		if n != 1 {
			t.Errorf("Seed() = %d, want 1", n)
		}
	}

	q, err := store.GetQuiz(ctx, "web-101-w1-quiz")
	if err != nil {
		t.Fatalf("GetQuiz() error = %v", err)
	}
	if q.CourseID != "web-101" || q.Ordinal != 1 || q.QuestionCount() != 2 {
		t.Errorf("quiz = %+v", q)
	}
	courseID, ordinal, err := store.GetLectureWeek(ctx, "web-101-w1-l1")
	if err != nil || courseID != "web-101" || ordinal != 1 {
		t.Errorf("GetLectureWeek() = %s, %d, %v", courseID, ordinal, err)
	}
}
