package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/internal/auth"
	"courier/internal/payload"
	"courier/internal/recurrence"
	"courier/internal/schedule"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

type MessageHandler struct {
	Svc *schedule.Service
}

type messageDTO struct {
	ID           string              `json:"id"`
	WebhookID    string              `json:"webhook_id"`
	TemplateID   *string             `json:"template_id,omitempty"`
	Content      payload.Message     `json:"message_content"`
	ScheduleType schedule.Type       `json:"schedule_type"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
	Recurrence   *recurrence.Pattern `json:"recurrence_pattern,omitempty"`
	Timezone     string              `json:"timezone"`
	NextSendAt   *time.Time          `json:"next_send_at"`
	SendCount    int                 `json:"send_count"`
	MaxSends     *int                `json:"max_sends,omitempty"`
	Status       schedule.Status     `json:"status"`
	LastError    *string             `json:"last_error,omitempty"`
	LastSentAt   *time.Time          `json:"last_sent_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func toMessageDTO(m schedule.ScheduledMessage) messageDTO {
	dto := messageDTO{
		ID:           m.ID,
		WebhookID:    m.WebhookID,
		TemplateID:   m.TemplateID,
		Content:      m.Message(),
		ScheduleType: m.ScheduleType,
		ScheduledAt:  m.ScheduledAt,
		Timezone:     m.Timezone,
		NextSendAt:   m.NextSendAt,
		SendCount:    m.SendCount,
		MaxSends:     m.MaxSends,
		Status:       m.Status,
		LastError:    m.LastError,
		LastSentAt:   m.LastSentAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.ScheduleType == schedule.TypeRecurring {
		p := m.Pattern()
		dto.Recurrence = &p
	}
	return dto
}

type createMessageReq struct {
	WebhookID    string              `json:"webhook_id"`
	TemplateID   *string             `json:"template_id"`
	Content      payload.Message     `json:"message_content"`
	ScheduleType string              `json:"schedule_type"`
	ScheduledAt  *string             `json:"scheduled_at"` // RFC3339
	Recurrence   *recurrence.Pattern `json:"recurrence_pattern"`
	Timezone     string              `json:"timezone"`
	MaxSends     *int                `json:"max_sends"`
}

func (req createMessageReq) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.WebhookID, validation.Required, is.UUID),
		validation.Field(&req.ScheduleType, validation.Required, validation.In("once", "recurring")),
		validation.Field(&req.ScheduledAt, validation.When(req.ScheduleType == "once", validation.Required), validation.By(rfc3339)),
		validation.Field(&req.Recurrence, validation.When(req.ScheduleType == "recurring", validation.Required)),
		validation.Field(&req.Timezone, validation.Length(0, 64)),
	)
}

func rfc3339(v any) error {
	s, _ := v.(*string)
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, *s); err != nil {
		return validation.NewError("validation_rfc3339", "must be an RFC3339 timestamp")
	}
	return nil
}

func parseTime(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req createMessageReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.Svc.Create(r.Context(), uid, schedule.CreateInput{
		WebhookID:    req.WebhookID,
		TemplateID:   req.TemplateID,
		Content:      req.Content,
		ScheduleType: schedule.Type(req.ScheduleType),
		ScheduledAt:  parseTime(req.ScheduledAt),
		Recurrence:   req.Recurrence,
		Timezone:     req.Timezone,
		MaxSends:     req.MaxSends,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageDTO(m))
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	status := schedule.Status(strings.TrimSpace(strings.ToLower(r.URL.Query().Get("status"))))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.Svc.List(r.Context(), uid, status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]messageDTO, 0, len(list))
	for _, m := range list {
		out = append(out, toMessageDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	m, err := h.Svc.GetOwned(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTO(m))
}

type updateMessageReq struct {
	WebhookID    *string             `json:"webhook_id"`
	Content      *payload.Message    `json:"message_content"`
	ScheduleType *string             `json:"schedule_type"`
	ScheduledAt  *string             `json:"scheduled_at"`
	Recurrence   *recurrence.Pattern `json:"recurrence_pattern"`
	Timezone     *string             `json:"timezone"`
	MaxSends     *int                `json:"max_sends"`
}

func (req updateMessageReq) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.WebhookID, validation.NilOrNotEmpty, is.UUID),
		validation.Field(&req.ScheduleType, validation.NilOrNotEmpty, validation.In("once", "recurring")),
		validation.Field(&req.ScheduledAt, validation.By(rfc3339)),
		validation.Field(&req.MaxSends, validation.When(req.MaxSends != nil, validation.Min(1))),
	)
}

func (h *MessageHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req updateMessageReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	in := schedule.UpdateInput{
		WebhookID:   req.WebhookID,
		Content:     req.Content,
		ScheduledAt: parseTime(req.ScheduledAt),
		Recurrence:  req.Recurrence,
		Timezone:    req.Timezone,
		MaxSends:    req.MaxSends,
	}
	if req.ScheduleType != nil {
		st := schedule.Type(*req.ScheduleType)
		in.ScheduleType = &st
	}

	m, err := h.Svc.Update(r.Context(), uid, chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTO(m))
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	if err := h.Svc.Delete(r.Context(), uid, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) Pause(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	m, err := h.Svc.Pause(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTO(m))
}

func (h *MessageHandler) Resume(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	m, err := h.Svc.Resume(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTO(m))
}
