// Package certificate gates certificate requests and issuance on verified
// course completion.
package certificate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/course"
)

// Completion is the part of the progression controller the gate reads.
type Completion interface {
	ActiveEnrollment(ctx context.Context, studentID, courseID string) (*course.Enrollment, error)
	CourseComplete(ctx context.Context, e course.Enrollment) (bool, error)
}

// Config holds dependencies for the certificate gate.
type Config struct {
	Store      course.Store
	Completion Completion
	Renderer   Renderer
	Events     activity.Logger
	Now        func() time.Time
}

// Gate runs the certificate workflow of an enrollment:
// NotRequested -> Pending -> Issued | Rejected, and Rejected -> Pending.
type Gate struct {
	store      course.Store
	completion Completion
	renderer   Renderer
	events     activity.Logger
	now        func() time.Time
}

// NewGate creates a certificate gate. Without a renderer, references are
// derived locally from the serial.
func NewGate(cfg Config) *Gate {
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = LocalRenderer{}
	}
	events := cfg.Events
	if events == nil {
		events = activity.NopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:      cfg.Store,
		completion: cfg.Completion,
		renderer:   renderer,
		events:     events,
		now:        now,
	}
}

// Request asks for a certificate for the student's enrollment. It fails with
// NotEligible unless every week of the course is complete. Requesting again
// while Pending or after Issued returns the enrollment unchanged.
func (g *Gate) Request(ctx context.Context, studentID, courseID string) (*course.Enrollment, error) {
	const op = "RequestCertificate"
	e, err := g.completion.ActiveEnrollment(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	switch e.CertificateStatus {
	case course.CertificateIssued, course.CertificatePending:
		return e, nil
	}

	complete, err := g.completion.CourseComplete(ctx, *e)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, course.NotEligible.With(op, e.ID)
	}

	updated, err := g.store.TransitionCertificate(ctx, e.ID,
		[]course.CertificateStatus{course.CertificateNotRequested, course.CertificateRejected},
		course.CertificatePending, "", "")
	if errors.Is(err, course.InvalidTransition) {
		// Lost a race with another request for the same enrollment.
		return g.reload(ctx, op, e.ID)
	}
	if err != nil {
		return nil, course.Lift(op, err)
	}

	slog.Info("certificate requested", "enrollment_id", e.ID, "student_id", studentID, "course_id", courseID)
	g.record(ctx, updated, activity.CertificateRequested)
	return updated, nil
}

// Decide approves or rejects a Pending request. Approval re-verifies
// completion, renders the certificate and stores its reference and serial.
// A render failure leaves the request Pending and is retryable.
func (g *Gate) Decide(ctx context.Context, enrollmentID string, approve bool) (*course.Enrollment, error) {
	const op = "DecideCertificate"
	e, err := g.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	if e.CertificateStatus != course.CertificatePending {
		return nil, course.InvalidTransition.With(op, enrollmentID)
	}

	if !approve {
		updated, err := g.store.TransitionCertificate(ctx, e.ID,
			[]course.CertificateStatus{course.CertificatePending}, course.CertificateRejected, "", "")
		if err != nil {
			return nil, course.Lift(op, err)
		}
		slog.Info("certificate rejected", "enrollment_id", e.ID, "student_id", e.StudentID)
		g.record(ctx, updated, activity.CertificateRejected)
		return updated, nil
	}

	complete, err := g.completion.CourseComplete(ctx, *e)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, course.NotEligible.With(op, e.ID)
	}

	c, err := g.store.GetCourse(ctx, e.CourseID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	issuedAt := g.now().UTC()
	doc := Document{
		Serial:       Serial(e.ID, e.StudentID, e.CourseID, issuedAt),
		EnrollmentID: e.ID,
		StudentID:    e.StudentID,
		CourseID:     e.CourseID,
		CourseName:   c.Name,
		StartDate:    e.StartDate,
		IssuedAt:     issuedAt,
	}
	ref, err := g.renderer.Render(ctx, doc)
	if err != nil {
		slog.Error("certificate render failed", "enrollment_id", e.ID, "error", err)
		return nil, course.Unavailable(op, err)
	}

	updated, err := g.store.TransitionCertificate(ctx, e.ID,
		[]course.CertificateStatus{course.CertificatePending}, course.CertificateIssued, ref, doc.Serial)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	slog.Info("certificate issued", "enrollment_id", e.ID, "student_id", e.StudentID, "serial", doc.Serial)
	g.record(ctx, updated, activity.CertificateIssued)
	return updated, nil
}

// Download returns the reference of an issued certificate. Students may only
// read their own; pass an empty studentID for staff access.
func (g *Gate) Download(ctx context.Context, studentID, enrollmentID string) (string, error) {
	const op = "DownloadCertificate"
	e, err := g.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return "", course.Lift(op, err)
	}
	if studentID != "" && e.StudentID != studentID {
		return "", course.Forbidden.With(op, enrollmentID)
	}
	if e.CertificateStatus != course.CertificateIssued {
		return "", course.NotIssued.With(op, enrollmentID)
	}
	return e.CertificateRef, nil
}

// List returns every enrollment with a certificate request.
func (g *Gate) List(ctx context.Context) ([]course.Enrollment, error) {
	out, err := g.store.ListCertificateRequests(ctx)
	if err != nil {
		return nil, course.Lift("ListCertificateRequests", err)
	}
	return out, nil
}

func (g *Gate) reload(ctx context.Context, op, enrollmentID string) (*course.Enrollment, error) {
	e, err := g.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, course.Lift(op, err)
	}
	return e, nil
}

func (g *Gate) record(ctx context.Context, e *course.Enrollment, typ string) {
	activity.Record(ctx, g.events, activity.Event{
		StudentID: e.StudentID,
		CourseID:  e.CourseID,
		Type:      typ,
		SubjectID: e.ID,
		Data:      map[string]any{"status": string(e.CertificateStatus)},
	})
}
