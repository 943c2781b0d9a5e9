// Package api exposes the progression engine over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/assignment"
	"github.com/p-n-ai/pai-course/internal/certificate"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/freeze"
	"github.com/p-n-ai/pai-course/internal/live"
	"github.com/p-n-ai/pai-course/internal/progress"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

// Config holds the services the API routes to.
type Config struct {
	Auth         *Authenticator
	Progress     *progress.Controller
	Quiz         *quiz.Manager
	Freeze       *freeze.Manager
	Certificates *certificate.Gate
	Assignments  *assignment.Service
	Activity     activity.Reader
	Hub          live.Hub
	// PingInterval is how often the live socket pings idle clients.
	PingInterval time.Duration
}

// Server serves the authenticated API.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// NewServer registers every route.
func NewServer(cfg Config) *Server {
	if cfg.Activity == nil {
		cfg.Activity = activity.NopLogger{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /enroll", s.enroll)
	s.mux.HandleFunc("GET /courses/{courseID}/weeks", s.weeks)
	s.mux.HandleFunc("GET /courses/{courseID}/progress", s.progress)
	s.mux.HandleFunc("GET /courses/{courseID}/progress.xlsx", s.staff(s.exportProgress))
	s.mux.HandleFunc("POST /lectures/{lectureID}/view", s.viewLecture)

	s.mux.HandleFunc("POST /quiz/{quizID}/start", s.startAttempt)
	s.mux.HandleFunc("POST /quiz/{quizID}/answer", s.answer)
	s.mux.HandleFunc("POST /quiz/{quizID}/submit", s.submitAttempt)
	s.mux.HandleFunc("GET /quiz/attempts/{attemptID}", s.getAttempt)
	s.mux.HandleFunc("POST /quiz/attempts/{attemptID}/cancel", s.cancelAttempt)
	s.mux.HandleFunc("POST /quiz/attempts/{attemptID}/abandon", s.admin(s.abandonAttempt))
	s.mux.HandleFunc("GET /quiz/attempts/{attemptID}/live", s.live)

	s.mux.HandleFunc("POST /assignment/{assignmentID}/submit", s.submitAssignment)
	s.mux.HandleFunc("GET /assignment/submission/{submissionID}", s.getSubmission)
	s.mux.HandleFunc("PUT /assignment/submission/{submissionID}/grade", s.staff(s.grade))
	s.mux.HandleFunc("GET /courses/{courseID}/submissions/pending", s.staff(s.pendingSubmissions))

	s.mux.HandleFunc("POST /course-freeze/request", s.requestFreeze)
	s.mux.HandleFunc("GET /course-freeze", s.listFreezes)
	s.mux.HandleFunc("GET /course-freeze/{freezeID}", s.getFreeze)
	s.mux.HandleFunc("PUT /course-freeze/{freezeID}/approve", s.staff(s.approveFreeze))
	s.mux.HandleFunc("PUT /course-freeze/{freezeID}/reject", s.staff(s.rejectFreeze))
	s.mux.HandleFunc("PUT /course-freeze/{freezeID}/resume", s.resumeFreeze)

	s.mux.HandleFunc("POST /certificate/request", s.requestCertificate)
	s.mux.HandleFunc("GET /certificate", s.admin(s.listCertificates))
	s.mux.HandleFunc("PUT /certificate/{enrollmentID}/decide", s.admin(s.decideCertificate))
	s.mux.HandleFunc("GET /certificate/{enrollmentID}/download", s.downloadCertificate)

	s.mux.HandleFunc("GET /activity", s.listActivity)
	return s
}

// Handler returns the routes wrapped in bearer authentication.
func (s *Server) Handler() http.Handler {
	return s.cfg.Auth.Middleware(s.mux)
}

func identity(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func (s *Server) staff(next http.HandlerFunc) http.HandlerFunc {
	return s.role(next, RoleTeacher, RoleAdmin)
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.role(next, RoleAdmin)
}

func (s *Server) role(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identity(r).Is(roles...) {
			writeProblem(w, http.StatusForbidden, "RoleRequired", "this action requires a staff role")
			return
		}
		next(w, r)
	}
}

// subject returns the student a request acts for. Staff may name one with
// the student_id query parameter; students always act for themselves.
func subject(r *http.Request) string {
	id := identity(r)
	if id.Staff() {
		if sid := r.URL.Query().Get("student_id"); sid != "" {
			return sid
		}
	}
	return id.Subject
}

// ownerScope returns the student id ownership checks apply to. Staff get the
// empty scope.
func ownerScope(r *http.Request) string {
	id := identity(r)
	if id.Staff() {
		return ""
	}
	return id.Subject
}

type enrollRequest struct {
	CourseID       string `json:"course_id" validate:"required"`
	TimeframeWeeks int    `json:"timeframe_weeks" validate:"required,min=1,max=104"`
	AllocationID   string `json:"allocation_id"`
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.cfg.Progress.Enroll(r.Context(), subject(r), req.CourseID, req.AllocationID, req.TimeframeWeeks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) weeks(w http.ResponseWriter, r *http.Request) {
	out, err := s.cfg.Progress.WeeksStructure(r.Context(), subject(r), r.PathValue("courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfg.Progress.ActiveEnrollment(r.Context(), subject(r), r.PathValue("courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := s.cfg.Progress.Progress(r.Context(), *e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) exportProgress(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")
	f, err := s.cfg.Progress.ExportWorkbook(r.Context(), courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+courseID+`-progress.xlsx"`)
	if err := f.Write(w); err != nil {
		slog.Warn("failed to stream progress workbook", "course_id", courseID, "error", err)
	}
}

func (s *Server) viewLecture(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Progress.MarkLectureViewed(r.Context(), identity(r).Subject, r.PathValue("lectureID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startAttempt(w http.ResponseWriter, r *http.Request) {
	step, err := s.cfg.Quiz.Start(r.Context(), identity(r).Subject, r.PathValue("quizID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

type answerRequest struct {
	AttemptID string `json:"attempt_id" validate:"required"`
	Seq       int    `json:"seq" validate:"required,min=1"`
	Answer    string `json:"answer"`
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := s.cfg.Quiz.Answer(r.Context(), identity(r).Subject, r.PathValue("quizID"), req.AttemptID, req.Seq, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

type submitRequest struct {
	AttemptID string        `json:"attempt_id" validate:"required"`
	Answers   []quiz.Answer `json:"answers" validate:"dive"`
}

func (s *Server) submitAttempt(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Quiz.Submit(r.Context(), identity(r).Subject, r.PathValue("quizID"), req.AttemptID, req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request) {
	v, err := s.cfg.Quiz.Get(r.Context(), identity(r).Subject, r.PathValue("attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) cancelAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Quiz.Cancel(r.Context(), identity(r).Subject, r.PathValue("attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) abandonAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Quiz.Abandon(r.Context(), r.PathValue("attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitAssignmentRequest struct {
	FileRef string `json:"file_ref" validate:"required,max=1024"`
}

func (s *Server) submitAssignment(w http.ResponseWriter, r *http.Request) {
	var req submitAssignmentRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.cfg.Assignments.Submit(r.Context(), identity(r).Subject, r.PathValue("assignmentID"), req.FileRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.Assignments.Get(r.Context(), ownerScope(r), r.PathValue("submissionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type gradeRequest struct {
	ObtainedMarks *int   `json:"obtained_marks" validate:"required"`
	Remarks       string `json:"remarks" validate:"max=2000"`
}

func (s *Server) grade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.cfg.Assignments.Grade(r.Context(), r.PathValue("submissionID"), *req.ObtainedMarks, req.Remarks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) pendingSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.cfg.Assignments.Pending(r.Context(), r.PathValue("courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

type freezeRequest struct {
	CourseID  string `json:"course_id" validate:"required"`
	StartWeek int    `json:"start_week"`
	EndWeek   int    `json:"end_week"`
}

func (s *Server) requestFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.cfg.Freeze.Request(r.Context(), identity(r).Subject, req.CourseID, req.StartWeek, req.EndWeek)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) listFreezes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := course.FreezeFilter{
		StudentID: ownerScope(r),
		CourseID:  q.Get("course_id"),
		Status:    course.FreezeStatus(q.Get("status")),
	}
	if filter.StudentID == "" {
		filter.StudentID = q.Get("student_id")
	}
	freezes, err := s.cfg.Freeze.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"freezes": freezes})
}

func (s *Server) getFreeze(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Freeze.Get(r.Context(), ownerScope(r), r.PathValue("freezeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) approveFreeze(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Freeze.Approve(r.Context(), r.PathValue("freezeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) rejectFreeze(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Freeze.Reject(r.Context(), r.PathValue("freezeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) resumeFreeze(w http.ResponseWriter, r *http.Request) {
	f, e, err := s.cfg.Freeze.Resume(r.Context(), identity(r).Subject, r.PathValue("freezeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"freeze": f, "enrollment": e})
}

type certificateRequest struct {
	CourseID string `json:"course_id" validate:"required"`
}

func (s *Server) requestCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificateRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.cfg.Certificates.Request(r.Context(), identity(r).Subject, req.CourseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	out, err := s.cfg.Certificates.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": out})
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

func (s *Server) decideCertificate(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.cfg.Certificates.Decide(r.Context(), r.PathValue("enrollmentID"), req.Decision == "approve")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) downloadCertificate(w http.ResponseWriter, r *http.Request) {
	ref, err := s.cfg.Certificates.Download(r.Context(), ownerScope(r), r.PathValue("enrollmentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"certificate_ref": ref})
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := activity.Filter{StudentID: subject(r), Type: q.Get("type")}
	if identity(r).Staff() && q.Get("student_id") == "" {
		filter.StudentID = ""
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, course.Invalid("ListActivity", "limit", "must be between 1 and 500"))
			return
		}
		filter.Limit = n
	}
	events, err := s.cfg.Activity.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, course.Lift("ListActivity", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
