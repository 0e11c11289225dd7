package http

import (
	"net/http"

	"courier/internal/attachment"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/http/handler"
	mw "courier/internal/http/middleware"
	"courier/internal/schedule"
	"courier/internal/webhook"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Deps are the services the router exposes.
type Deps struct {
	DB          *gorm.DB
	JWT         *auth.JWT
	Messages    *schedule.Service
	Webhooks    *webhook.Repo
	Attachments *attachment.Store
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	hooks := &handler.WebhookHandler{Repo: d.Webhooks}
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/", hooks.Create)
		r.Get("/", hooks.List)
		r.Get("/{id}", hooks.Get)
	})

	msgs := &handler.MessageHandler{Svc: d.Messages}
	atts := &handler.AttachmentHandler{Store: d.Attachments, Messages: d.Messages}
	r.Route("/messages", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/", msgs.Create)
		r.Get("/", msgs.List)

		r.Get("/{id}", msgs.Get)
		r.Patch("/{id}", msgs.Update)
		r.Delete("/{id}", msgs.Delete)
		r.Post("/{id}/pause", msgs.Pause)
		r.Post("/{id}/resume", msgs.Resume)

		r.Post("/{id}/attachments", atts.Upload)
		r.Get("/{id}/attachments", atts.List)
		r.Get("/{id}/attachments/{attachmentID}", atts.Download)
	})

	return r
}
