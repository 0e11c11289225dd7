package handler

import (
	"io"
	"mime"
	"net/http"
	"time"

	"courier/internal/attachment"
	"courier/internal/auth"
	"courier/internal/schedule"

	"github.com/go-chi/chi/v5"
)

type AttachmentHandler struct {
	Store    *attachment.Store
	Messages *schedule.Service
}

type attachmentDTO struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func toAttachmentDTO(a attachment.Attachment) attachmentDTO {
	return attachmentDTO{
		ID:        a.ID,
		MessageID: a.MessageID,
		Filename:  a.Filename,
		MimeType:  a.MimeType,
		Size:      a.Size,
		CreatedAt: a.CreatedAt,
	}
}

// owned loads the message and writes the error response when it is not the
// caller's.
func (h *AttachmentHandler) owned(w http.ResponseWriter, r *http.Request) (schedule.ScheduledMessage, bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	m, err := h.Messages.GetOwned(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return schedule.ScheduledMessage{}, false
	}
	return m, true
}

// Upload takes a multipart form with a "file" part.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	if m.Status == schedule.StatusCompleted || m.Status == schedule.StatusProcessing {
		writeMessage(w, http.StatusConflict, "cannot attach to a "+string(m.Status)+" message")
		return
	}

	limit := h.Store.MaxSize
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	var reader io.Reader = file
	if limit > 0 {
		// one byte over the limit is enough for the store to reject it
		reader = io.LimitReader(file, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	a, err := h.Store.Attach(r.Context(), m.ID, data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttachmentDTO(a))
}

func (h *AttachmentHandler) List(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	list, err := h.Store.List(r.Context(), m.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]attachmentDTO, 0, len(list))
	for _, a := range list {
		out = append(out, toAttachmentDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	a, f, err := h.Store.Open(r.Context(), m.ID, chi.URLParam(r, "attachmentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	http.ServeContent(w, r, a.Filename, a.CreatedAt, f)
}
