package app

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/unclebandit/smsleopard-outreach/internal/controller"
	"github.com/unclebandit/smsleopard-outreach/internal/handler"
	"github.com/unclebandit/smsleopard-outreach/internal/metrics"
	"github.com/unclebandit/smsleopard-outreach/internal/service"
)

type RouterOptions struct {
	CORSOrigins []string
	Ping        func(ctx context.Context) error
	// Metrics defaults to the default Prometheus gatherer.
	Metrics http.Handler
}

// NewRouter mounts the HTTP API on a chi router.
func NewRouter(svc *service.OutreachService, opts RouterOptions) *chi.Mux {
	ctrl := &controller.OutreachController{Service: svc}
	h := &handler.OutreachHandler{Service: svc, Ping: opts.Ping}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	} else {
		r.Handle("/metrics", metrics.Handler())
	}

	// Write side
	r.Post("/campaigns/{id}/enrollments", ctrl.Enroll)
	r.Post("/enrollments/{id}/followups", ctrl.ScheduleFollowup)
	r.Post("/outcomes", ctrl.LogOutcome)
	r.Post("/outcomes/staged", ctrl.StageOutcome)
	r.Post("/ingest", ctrl.Ingest)
	r.Post("/snapshots/refresh", ctrl.RefreshSnapshots)

	// Read side
	r.Get("/enrollments/{id}/state", h.GetEnrollmentState)
	r.Get("/contacts/{contact}/campaigns/{campaign}/history", h.GetHistory)

	return r
}
