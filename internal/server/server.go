// Package server exposes the webhook intake and the read-only status and history endpoints.
package server

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/intake"
	"github.com/comigor/wa-responder/internal/metrics"
)

const serviceName = "wa-responder"

// Dispatcher accepts events for asynchronous processing.
type Dispatcher interface {
	Dispatch(ev intake.Event)
}

// ConversationReader is the read side of the conversation store.
type ConversationReader interface {
	History(ctx context.Context, tenantID, identifier string, limit int) ([]history.Message, error)
	Conversations(ctx context.Context, tenantID string) ([]history.Conversation, error)
	Ping(ctx context.Context) error
}

// TransportProbe reports the session connectivity for /api/status.
type TransportProbe func(ctx context.Context) (connected bool, detail map[string]any)

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Intake        Dispatcher
	Store         ConversationReader
	Transport     TransportProbe
	Registered    func() bool
	ReplyEnabled  func() bool
	TenantID      string
	WebhookSecret string
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	deps    Deps
	started time.Time
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) *chi.Mux {
	h := &Handler{deps: deps, started: time.Now()}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(countRequests)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/message-received", h.MessageReceived)
		r.Get("/status", h.Status)
		r.Get("/conversations", h.Conversations)
		r.Get("/conversations/{identifier}", h.ConversationHistory)
	})

	return r
}
