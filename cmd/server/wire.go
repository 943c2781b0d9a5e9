package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/p-n-ai/pai-course/internal/activity"
	"github.com/p-n-ai/pai-course/internal/api"
	"github.com/p-n-ai/pai-course/internal/assignment"
	"github.com/p-n-ai/pai-course/internal/catalog"
	"github.com/p-n-ai/pai-course/internal/certificate"
	"github.com/p-n-ai/pai-course/internal/course"
	"github.com/p-n-ai/pai-course/internal/freeze"
	"github.com/p-n-ai/pai-course/internal/live"
	"github.com/p-n-ai/pai-course/internal/platform/cache"
	"github.com/p-n-ai/pai-course/internal/platform/config"
	"github.com/p-n-ai/pai-course/internal/platform/database"
	"github.com/p-n-ai/pai-course/internal/progress"
	"github.com/p-n-ai/pai-course/internal/quiz"
)

type activityLog interface {
	activity.Logger
	activity.Reader
}

// app is the wired server: its API handler, the quiz manager that owns
// running sessions, readiness checks, and resources to release on exit.
type app struct {
	handler http.Handler
	quiz    *quiz.Manager
	checks  []check
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var (
		store  course.Store
		events activityLog
	)
	switch cfg.Store.Driver {
	case "postgres":
		db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("migrate database: %w", err))
		}
		a.checks = append(a.checks, check{name: "schema", fn: db.Ready})
		ps, err := course.NewPostgresStore(db.Pool)
		if err != nil {
			return fail(err)
		}
		store = ps
		events = activity.NewPostgresLogger(db.Pool)
	default:
		slog.Warn("using in-memory store, state is lost on restart")
		store = course.NewMemoryStore()
		events = activity.NewMemoryLogger()
	}
	a.checks = append(a.checks, check{name: "store", fn: store.HealthCheck})

	loader, err := catalog.NewLoader(cfg.CatalogPath)
	if err != nil {
		return fail(err)
	}
	n, err := loader.Seed(ctx, store)
	if err != nil {
		return fail(err)
	}
	slog.Info("catalog seeded", "courses", n)

	var hub live.Hub = live.NewMemoryHub()
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return fail(fmt.Errorf("connect cache: %w", err))
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		a.checks = append(a.checks, check{name: "cache", fn: c.HealthCheck})
		hub = live.NewRedisHub(c)
	}

	ctrl := progress.NewController(progress.ControllerConfig{
		Store:     store,
		Evaluator: progress.NewEvaluator(cfg.Quiz.PassThreshold),
		Events:    events,
	})

	a.quiz = quiz.NewManager(quiz.Config{
		Store:          store,
		Gate:           ctrl,
		Hub:            hub,
		Events:         events,
		QuestionBudget: cfg.Quiz.QuestionBudget(),
	})
	recovered, err := a.quiz.Recover(ctx)
	if err != nil {
		// Sessions are also adopted on the next action, so this is not fatal.
		slog.Warn("attempt recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Info("recovered quiz attempts", "count", recovered)
	}

	var renderer certificate.Renderer = certificate.LocalRenderer{}
	if cfg.Renderer.URL != "" {
		renderer = certificate.NewHTTPRenderer(cfg.Renderer.URL,
			certificate.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Renderer.TimeoutSeconds) * time.Second}),
			certificate.WithToken(cfg.Renderer.Token),
		)
	}

	server := api.NewServer(api.Config{
		Auth:     api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Progress: ctrl,
		Quiz:     a.quiz,
		Freeze:   freeze.NewManager(freeze.Config{Store: store, Progress: ctrl, Events: events}),
		Certificates: certificate.NewGate(certificate.Config{
			Store:      store,
			Completion: ctrl,
			Renderer:   renderer,
			Events:     events,
		}),
		Assignments: assignment.NewService(assignment.Config{Store: store, Gate: ctrl, Events: events}),
		Activity:    events,
		Hub:         hub,
	})
	a.handler = server.Handler()
	return a, nil
}
