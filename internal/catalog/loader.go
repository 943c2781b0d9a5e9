// Package catalog loads course definitions from YAML files and seeds them
// into the entity store.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

//go:embed course.schema.json
var courseSchema string

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(courseSchema))
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid embedded schema: %v", err))
	}
	return s
}()

// Loader loads and caches course definitions from the filesystem.
type Loader struct {
	rootDir string
	courses map[string]course.Course
	mu      sync.RWMutex
}

// NewLoader creates a loader and loads every course file under rootDir.
// Files that fail validation are skipped with a warning.
func NewLoader(rootDir string) (*Loader, error) {
	l := &Loader{
		rootDir: rootDir,
		courses: make(map[string]course.Course),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded", "courses", len(l.courses), "dir", rootDir)
	return l, nil
}

// Get returns a course by ID.
func (l *Loader) Get(id string) (course.Course, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.courses[id]
	return c, ok
}

// Courses returns all loaded courses ordered by ID.
func (l *Loader) Courses() []course.Course {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]course.Course, 0, len(l.courses))
	for _, c := range l.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Seed upserts every loaded course into the store.
func (l *Loader) Seed(ctx context.Context, store course.Catalog) (int, error) {
	courses := l.Courses()
	for _, c := range courses {
		if err := store.SaveCourse(ctx, c); err != nil {
			return 0, fmt.Errorf("seed course %s: %w", c.ID, err)
		}
	}
	return len(courses), nil
}

func (l *Loader) loadAll() error {
	if _, err := os.Stat(l.rootDir); os.IsNotExist(err) {
		slog.Warn("catalog directory does not exist", "dir", l.rootDir)
		return nil
	}
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return l.loadCourse(path)
		}
		return nil
	})
}

func (l *Loader) loadCourse(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c, err := Parse(data)
	if err != nil {
		slog.Warn("skipping invalid course file", "path", path, "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.courses[c.ID]; dup {
		slog.Warn("skipping duplicate course id", "path", path, "course_id", c.ID)
		return nil
	}
	l.courses[c.ID] = c
	return nil
}

// Parse validates one course YAML document and converts it into a course
// with deterministic ids, so re-seeding keeps references from attempts and
// submissions intact.
func Parse(data []byte) (course.Course, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return course.Course{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return course.Course{}, fmt.Errorf("empty document")
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return course.Course{}, fmt.Errorf("validate schema: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return course.Course{}, fmt.Errorf("schema: %s", strings.Join(msgs, "; "))
	}

	var f CourseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return course.Course{}, fmt.Errorf("decode course: %w", err)
	}
	if err := check(f); err != nil {
		return course.Course{}, err
	}
	return build(f), nil
}

// check enforces what the schema cannot express.
func check(f CourseFile) error {
	seen := make(map[int]bool, len(f.Weeks))
	for _, w := range f.Weeks {
		if seen[w.Ordinal] {
			return fmt.Errorf("week %d defined twice", w.Ordinal)
		}
		seen[w.Ordinal] = true
	}
	for k := 1; k <= len(f.Weeks); k++ {
		if !seen[k] {
			return fmt.Errorf("week ordinals must be 1..%d without gaps, week %d missing", len(f.Weeks), k)
		}
	}

	for _, w := range f.Weeks {
		if w.Quiz == nil {
			continue
		}
		for i, q := range w.Quiz.Questions {
			if !hasOption(q) {
				return fmt.Errorf("week %d question %d: answer %q is not one of the options", w.Ordinal, i+1, q.Answer)
			}
		}
	}
	return nil
}

func hasOption(q QuestionFile) bool {
	want := quiz.Normalize(q.Answer)
	for _, o := range q.Options {
		if quiz.Normalize(o) == want {
			return true
		}
	}
	return false
}

func build(f CourseFile) course.Course {
	c := course.Course{ID: f.ID, Name: f.Name, Active: f.Active == nil || *f.Active}

	weeks := append([]WeekFile(nil), f.Weeks...)
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Ordinal < weeks[j].Ordinal })

	for _, wf := range weeks {
		wid := fmt.Sprintf("%s-w%d", f.ID, wf.Ordinal)
		w := course.Week{ID: wid, CourseID: f.ID, Ordinal: wf.Ordinal, Title: wf.Title}

		for i, lf := range wf.Lectures {
			w.Lectures = append(w.Lectures, course.Lecture{
				ID:         fmt.Sprintf("%s-l%d", wid, i+1),
				WeekID:     wid,
				Title:      lf.Title,
				ContentRef: lf.ContentRef,
			})
		}

		if wf.Quiz != nil {
			q := &course.Quiz{
				ID:         wid + "-quiz",
				WeekID:     wid,
				CourseID:   f.ID,
				Ordinal:    wf.Ordinal,
				Title:      wf.Quiz.Title,
				TotalMarks: wf.Quiz.TotalMarks,
			}
			if q.TotalMarks == 0 {
				q.TotalMarks = len(wf.Quiz.Questions)
			}
			for i, qf := range wf.Quiz.Questions {
				var opts [4]string
				copy(opts[:], qf.Options)
				q.Questions = append(q.Questions, course.Question{
					Seq:        i + 1,
					Text:       qf.Text,
					Options:    opts,
					Correct:    qf.Answer,
					Difficulty: qf.Difficulty,
				})
			}
			w.Quiz = q
		}

		for i, af := range wf.Assignments {
			w.Assignments = append(w.Assignments, course.Assignment{
				ID:         fmt.Sprintf("%s-a%d", wid, i+1),
				WeekID:     wid,
				CourseID:   f.ID,
				Ordinal:    wf.Ordinal,
				Title:      af.Title,
				TotalMarks: af.TotalMarks,
				DuePolicy:  af.DuePolicy,
			})
		}
		c.Weeks = append(c.Weeks, w)
	}
	return c
}
