package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/api"
	"github.com/p-n-ai/pai-course/internal/assignment"
	"github.com/p-n-ai/pai-course/internal/certificate"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/course/coursetest"
	"github.com/p-n-ai/pai-course/internal/freeze"
	"github.com/p-n-ai/pai-course/internal/live"
	"github.com/p-n-ai/pai-course/internal/progress"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

type stack struct {
	srv    *httptest.Server
	auth   *api.Authenticator
	store  *course.MemoryStore
	events *activity.MemoryLogger
}

func newStack(t *testing.T) stack {
	t.Helper()
	store := course.NewMemoryStore()
	coursetest.Seed(t, store, coursetest.Course("geo", 2, 2))
	events := activity.NewMemoryLogger()
	hub := live.NewMemoryHub()

	ctrl := progress.NewController(progress.ControllerConfig{Store: store, Events: events})
	quizzes := quiz.NewManager(quiz.Config{
		Store:          store,
		Gate:           ctrl,
		Hub:            hub,
		Events:         events,
		QuestionBudget: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = quizzes.Shutdown(ctx)
	})

	auth := api.NewAuthenticator("test-secret", "")
	server := api.NewServer(api.Config{
		Auth:        auth,
		Progress:    ctrl,
		Quiz:        quizzes,
		Freeze:      freeze.NewManager(freeze.Config{Store: store, Progress: ctrl, Events: events}),
		Assignments: assignment.NewService(assignment.Config{Store: store, Gate: ctrl, Events: events}),
		Certificates: certificate.NewGate(certificate.Config{
			Store:      store,
			Completion: ctrl,
			Renderer:   &certificate.MockRenderer{Ref: "blob://certs/geo.pdf"},
			Events:     events,
		}),
		Activity: events,
		Hub:      hub,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return stack{srv: srv, auth: auth, store: store, events: events}
}

func (s stack) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := s.auth.Issue(api.Identity{Subject: subject, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends a JSON request and decodes the response into out when non-nil.
func (s stack) call(t *testing.T, method, path, token string, body, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type problemBody struct {
	Error api.Problem `json:"error"`
}

func TestServer_RequiresToken(t *testing.T) {
	s := newStack(t)
	resp, err := s.srv.Client().Get(s.srv.URL + "/courses/geo/weeks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_EnrollAndStructure(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)

	var e course.Enrollment
	resp := s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 4}, &e)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "s1", e.StudentID)
	assert.Equal(t, 4, e.TimeframeWeeks)

	var p problemBody
	resp = s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 4}, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyEnrolled", p.Error.Code)

	resp = s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo"}, &p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "required", p.Error.Fields["timeframe_weeks"])

	resp = s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "nope", "timeframe_weeks": 2}, &p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidCourse", p.Error.Code)

	var st progress.Structure
	resp = s.call(t, http.MethodGet, "/courses/geo/weeks", student, nil, &st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, st.Weeks, 2)

	var rep progress.Report
	resp = s.call(t, http.MethodGet, "/courses/geo/progress", student, nil, &rep)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{1}, rep.UnlockedWeeks)

	resp = s.call(t, http.MethodGet, "/courses/geo/progress", s.token(t, "s2", api.RoleStudent), nil, &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "NotEnrolled", p.Error.Code)

	resp = s.call(t, http.MethodPost, "/lectures/"+coursetest.LectureID("geo", 2)+"/view", student, nil, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "WeekLocked", p.Error.Code)

	resp = s.call(t, http.MethodPost, "/lectures/"+coursetest.LectureID("geo", 1)+"/view", student, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_QuizAttempt(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)
	quizID := coursetest.QuizID("geo", 1)
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, nil)

	var step quiz.Step
	resp := s.call(t, http.MethodPost, "/quiz/"+quizID+"/start", student, nil, &step)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotNil(t, step.Next)
	assert.Equal(t, 1, step.Next.Seq)

	var p problemBody
	resp = s.call(t, http.MethodPost, "/quiz/"+quizID+"/start", student, nil, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AttemptAlreadyActive", p.Error.Code)

	var next quiz.Step
	resp = s.call(t, http.MethodPost, "/quiz/"+quizID+"/answer", student,
		map[string]any{"attempt_id": step.AttemptID, "seq": 1, "answer": " paris "}, &next)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, next.Next)
	assert.Equal(t, 2, next.Next.Seq)

	resp = s.call(t, http.MethodPost, "/quiz/"+quizID+"/answer", student,
		map[string]any{"attempt_id": step.AttemptID, "seq": 0, "answer": "x"}, &p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.call(t, http.MethodPost, "/quiz/"+coursetest.QuizID("geo", 2)+"/answer", student,
		map[string]any{"attempt_id": step.AttemptID, "seq": 2, "answer": "Tokyo"}, &p)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.call(t, http.MethodPost, "/quiz/some-other-quiz/submit", student, map[string]any{"attempt_id": step.AttemptID}, &p)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.call(t, http.MethodGet, "/quiz/attempts/not-a-uuid", student, nil, &p)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.call(t, http.MethodGet, "/quiz/attempts/"+step.AttemptID, s.token(t, "s2", api.RoleStudent), nil, &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var res quiz.Result
	resp = s.call(t, http.MethodPost, "/quiz/"+quizID+"/submit", student, map[string]any{
		"attempt_id": step.AttemptID,
		"answers":    []map[string]any{{"seq": 2, "answer": "Tokyo"}},
	}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, course.AttemptSubmitted, res.Status)
	assert.Equal(t, 2, res.Score)
	assert.Equal(t, 2, res.TotalQuestions)

	var again quiz.Result
	resp = s.call(t, http.MethodPost, "/quiz/"+quizID+"/submit", student, map[string]any{"attempt_id": step.AttemptID}, &again)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, res.Score, again.Score)

	var view quiz.View
	resp = s.call(t, http.MethodGet, "/quiz/attempts/"+step.AttemptID, student, nil, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, course.AttemptSubmitted, view.Status)
}

func TestServer_RoleGates(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)
	teacher := s.token(t, "t1", api.RoleTeacher)
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, nil)

	var sub course.Submission
	resp := s.call(t, http.MethodPost, "/assignment/"+coursetest.AssignmentID("geo", 1)+"/submit", student,
		map[string]any{"file_ref": "blob://uploads/s1/essay.pdf"}, &sub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var p problemBody
	resp = s.call(t, http.MethodPut, "/assignment/submission/"+sub.ID+"/grade", student, map[string]any{"obtained_marks": 80}, &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "RoleRequired", p.Error.Code)

	var pending struct {
		Submissions []course.Submission `json:"submissions"`
	}
	resp = s.call(t, http.MethodGet, "/courses/geo/submissions/pending", teacher, nil, &pending)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, pending.Submissions, 1)

	resp = s.call(t, http.MethodPut, "/assignment/submission/"+sub.ID+"/grade", teacher, map[string]any{"remarks": "no marks"}, &p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "required", p.Error.Fields["obtained_marks"])

	var graded course.Submission
	resp = s.call(t, http.MethodPut, "/assignment/submission/"+sub.ID+"/grade", teacher, map[string]any{"obtained_marks": 80, "remarks": "good"}, &graded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, graded.Graded)
	assert.Equal(t, 80, graded.ObtainedMarks)

	resp = s.call(t, http.MethodPut, "/assignment/submission/"+sub.ID+"/grade", teacher, map[string]any{"obtained_marks": 90}, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyGraded", p.Error.Code)

	var f course.Freeze
	resp = s.call(t, http.MethodPost, "/course-freeze/request", student, map[string]any{"course_id": "geo", "start_week": 2, "end_week": 2}, &f)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.call(t, http.MethodPut, "/course-freeze/"+f.ID+"/approve", student, nil, &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "RoleRequired", p.Error.Code)

	resp = s.call(t, http.MethodPut, "/course-freeze/"+f.ID+"/approve", teacher, nil, &f)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, course.FreezeApproved, f.Status)

	resp = s.call(t, http.MethodPut, "/course-freeze/"+f.ID+"/reject", s.token(t, "a1", api.RoleAdmin), nil, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var list struct {
		Freezes []course.Freeze `json:"freezes"`
	}
	resp = s.call(t, http.MethodGet, "/course-freeze", s.token(t, "s2", api.RoleStudent), nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list.Freezes)

	resp = s.call(t, http.MethodGet, "/course-freeze?status=Approved", teacher, nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list.Freezes, 1)
}

func TestServer_CertificateNotEligible(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)

	var e course.Enrollment
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, &e)

	var p problemBody
	resp := s.call(t, http.MethodPost, "/certificate/request", student, map[string]any{"course_id": "geo"}, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NotEligible", p.Error.Code)

	resp = s.call(t, http.MethodGet, "/certificate/"+e.ID+"/download", student, nil, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NotIssued", p.Error.Code)

	resp = s.call(t, http.MethodGet, "/certificate/"+e.ID+"/download", s.token(t, "s2", api.RoleStudent), nil, &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.call(t, http.MethodPut, "/certificate/"+e.ID+"/decide", s.token(t, "a1", api.RoleAdmin), map[string]any{"decision": "maybe"}, &p)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "oneof", p.Error.Fields["decision"])
}

func TestServer_ExportAndActivity(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)
	teacher := s.token(t, "t1", api.RoleTeacher)
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, nil)

	resp := s.call(t, http.MethodGet, "/courses/geo/progress.xlsx", student, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.call(t, http.MethodGet, "/courses/geo/progress.xlsx", teacher, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/vnd.openxmlformats"))

	wb, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer wb.Close()
	cell, err := wb.GetCellValue("Progress", "B2")
	require.NoError(t, err)
	assert.Equal(t, "s1", cell)

	var out struct {
		Events []activity.Event `json:"events"`
	}
	resp = s.call(t, http.MethodGet, "/activity", student, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Events, 1)
	assert.Equal(t, activity.Enrolled, out.Events[0].Type)

	resp = s.call(t, http.MethodGet, "/activity?student_id=s9", student, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Events, 1, "students only see their own events")

	resp = s.call(t, http.MethodGet, "/activity?limit=0", teacher, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_LiveAttempt(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)
	quizID := coursetest.QuizID("geo", 1)
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, nil)

	var step quiz.Step
	resp := s.call(t, http.MethodPost, "/quiz/"+quizID+"/start", student, nil, &step)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/quiz/attempts/" + step.AttemptID + "/live"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + student}},
	})
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	var snap api.LiveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &snap))
	require.Equal(t, api.MessageSnapshot, snap.Type)
	require.NotNil(t, snap.Attempt)
	require.NotNil(t, snap.Attempt.Current)
	assert.Equal(t, 1, snap.Attempt.Current.Seq)

	require.NoError(t, wsjson.Write(ctx, conn, api.LiveAnswer{Seq: 1, Answer: "Paris"}))
	require.NoError(t, wsjson.Write(ctx, conn, api.LiveAnswer{Seq: 2, Answer: "Oslo"}))

	var final *live.Event
	for final == nil {
		var msg api.LiveMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		require.NotEqual(t, api.MessageError, msg.Type, "unexpected error frame: %+v", msg.Error)
		if msg.Type == api.MessageEvent && msg.Event.Type == live.AttemptSubmitted {
			final = msg.Event
		}
	}
	require.NotNil(t, final.Score)
	assert.Equal(t, 1, *final.Score)
	assert.Equal(t, 2, final.Total)
}

func TestServer_LiveRejectsOtherStudent(t *testing.T) {
	s := newStack(t)
	student := s.token(t, "s1", api.RoleStudent)
	s.call(t, http.MethodPost, "/enroll", student, map[string]any{"course_id": "geo", "timeframe_weeks": 2}, nil)

	var step quiz.Step
	s.call(t, http.MethodPost, "/quiz/"+coursetest.QuizID("geo", 1)+"/start", student, nil, &step)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/quiz/attempts/" + step.AttemptID + "/live"
	_, resp, err := websocket.Dial(t.Context(), url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + s.token(t, "s2", api.RoleStudent)}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
