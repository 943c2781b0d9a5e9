package progress

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-course/internal/course"
)

const progressSheet = "Progress"

var exportHeader = []any{
	"Enrollment", "Student", "Start", "Planned end", "Weeks completed", "Weeks total",
	"Unlocked weeks", "Quizzes passed", "Assignments graded", "Lectures viewed", "Percent", "Certificate",
}

// ExportWorkbook builds an xlsx workbook with one progress row per enrollment
// of the course. The caller closes the returned file.
func (c *Controller) ExportWorkbook(ctx context.Context, courseID string) (*excelize.File, error) {
	enrollments, err := c.store.ListEnrollments(ctx, courseID)
	if err != nil {
		return nil, course.Lift("ExportWorkbook", err)
	}

	reports := make([]Report, 0, len(enrollments))
	for _, e := range enrollments {
		r, err := c.Progress(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("progress for %s: %w", e.ID, err)
		}
		reports = append(reports, *r)
	}
	return writeWorkbook(enrollments, reports)
}

func writeWorkbook(enrollments []course.Enrollment, reports []Report) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", progressSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(progressSheet, "A1", &exportHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeader), 1)
	if err := f.SetCellStyle(progressSheet, "A1", last, bold); err != nil {
		f.Close()
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	for i, r := range reports {
		e := enrollments[i]
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			e.ID,
			e.StudentID,
			e.StartDate.Format("2006-01-02"),
			e.PlannedEndDate.Format("2006-01-02"),
			r.WeeksCompleted,
			r.WeeksTotal,
			joinInts(r.UnlockedWeeks),
			fmt.Sprintf("%d/%d", r.QuizzesPassed, r.QuizzesTotal),
			fmt.Sprintf("%d/%d", r.AssignmentsGraded, r.AssignmentsTotal),
			fmt.Sprintf("%d/%d", r.LecturesViewed, r.LecturesTotal),
			r.Percent,
			string(e.CertificateStatus),
		}
		if err := f.SetSheetRow(progressSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(progressSheet, "A", "B", 38); err != nil {
		f.Close()
		return nil, fmt.Errorf("set column width: %w", err)
	}
	return f, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
