package handler

import (
	"net/http"

	"courier/internal/auth"
	"courier/internal/webhook"

	"github.com/go-chi/chi/v5"
)

type WebhookHandler struct {
	Repo *webhook.Repo
}

type createWebhookReq struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req createWebhookReq
	if !decodeJSON(w, r, &req) {
		return
	}
	hook, err := h.Repo.Create(r.Context(), uid, webhook.CreateInput{Name: req.Name, URL: req.URL})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	list, err := h.Repo.List(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []webhook.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	hook, err := h.Repo.GetOwned(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}
