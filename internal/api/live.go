package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/live"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

const pingTimeout = 10 * time.Second

var errAttemptFinished = errors.New("attempt finished")

// Message types written to live sockets.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
	MessageStep     = "step"
	MessageError    = "error"
)

// LiveMessage is one frame sent to a live attempt client.
type LiveMessage struct {
	Type    string      `json:"type"`
	Attempt *quiz.View  `json:"attempt,omitempty"`
	Event   *live.Event `json:"event,omitempty"`
	Step    *quiz.Step  `json:"step,omitempty"`
	Error   *Problem    `json:"error,omitempty"`
}

// LiveAnswer is a frame a client sends to answer the active question.
type LiveAnswer struct {
	Seq    int    `json:"seq" validate:"required,min=1"`
	Answer string `json:"answer"`
}

// live streams an attempt's events over a websocket and accepts answers on
// the same connection. The socket closes once the attempt is finalized.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studentID := identity(r).Subject
	attemptID := r.PathValue("attemptID")

	// Subscribe before reading the snapshot so no event falls between them.
	events, unsubscribe, err := s.cfg.Hub.Subscribe(ctx, attemptID)
	if err != nil {
		writeError(w, r, course.Unavailable("SubscribeAttempt", err))
		return
	}
	defer unsubscribe()

	view, err := s.cfg.Quiz.Get(ctx, studentID, attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The server's write timeout would otherwise cut long sessions.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "attempt_id", attemptID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if err := wsjson.Write(ctx, conn, LiveMessage{Type: MessageSnapshot, Attempt: view}); err != nil {
		return
	}
	if view.Status != course.AttemptInProgress {
		_ = conn.Close(websocket.StatusNormalClosure, "attempt finished")
		return
	}

	slog.Debug("live client connected", "attempt_id", attemptID, "student_id", studentID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readAnswers(gctx, conn, studentID, attemptID) })
	g.Go(func() error { return s.forwardEvents(gctx, conn, events) })

	err = g.Wait()
	switch {
	case errors.Is(err, errAttemptFinished):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	case err != nil && ctx.Err() == nil:
		slog.Debug("live client disconnected", "attempt_id", attemptID, "error", err)
	}
}

func (s *Server) readAnswers(ctx context.Context, conn *websocket.Conn, studentID, attemptID string) error {
	for {
		var frame LiveAnswer
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		msg := LiveMessage{Type: MessageStep}
		if err := validate.Struct(frame); err != nil {
			msg = LiveMessage{Type: MessageError, Error: &Problem{Code: "ValidationFailed", Message: "seq must be a positive question number", Field: "seq"}}
		} else if step, err := s.cfg.Quiz.Answer(ctx, studentID, "", attemptID, frame.Seq, frame.Answer); err != nil {
			_, p := problemOf(err)
			msg = LiveMessage{Type: MessageError, Error: &p}
		} else {
			msg.Step = step
		}

		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return fmt.Errorf("write step: %w", err)
		}
	}
}

func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, events <-chan live.Event) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return errAttemptFinished
			}
			if err := wsjson.Write(ctx, conn, LiveMessage{Type: MessageEvent, Event: &ev}); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			if ev.Type == live.AttemptSubmitted || ev.Type == live.AttemptAbandoned {
				_ = conn.Close(websocket.StatusNormalClosure, "attempt finished")
				return errAttemptFinished
			}
		}
	}
}
