package http

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/attachment"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/db/dbtest"
	"courier/internal/schedule"
	"courier/internal/webhook"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type api struct {
	t      *testing.T
	h      http.Handler
	jwt    *auth.JWT
	deps   Deps
	tokens map[uint64]string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gdb := dbtest.Open(t)
	require.NoError(t, db.AutoMigrateAndIndexes(gdb))

	hooks := &webhook.Repo{DB: gdb}
	store := &attachment.Store{DB: gdb, FS: afero.NewMemMapFs(), Root: "/att", MaxSize: 1024}
	deps := Deps{
		DB:          gdb,
		JWT:         auth.NewJWT("test-secret"),
		Webhooks:    hooks,
		Attachments: store,
		Messages: &schedule.Service{
			Repo:        &schedule.Repo{DB: gdb},
			Webhooks:    hooks,
			Attachments: store,
		},
	}
	return &api{t: t, h: NewRouter(config.Config{}, deps), jwt: deps.JWT, deps: deps, tokens: map[uint64]string{}}
}

func (a *api) token(user uint64) string {
	if tok, ok := a.tokens[user]; ok {
		return tok
	}
	tok, err := a.jwt.Sign(user)
	require.NoError(a.t, err)
	a.tokens[user] = tok
	return tok
}

func (a *api) do(user uint64, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("Authorization", "Bearer "+a.token(user))
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *api) webhook(user uint64) string {
	rec := a.do(user, http.MethodPost, "/webhooks", map[string]any{"name": "ops", "url": "https://chat.example/api/webhooks/1/abc"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(a.t, rec)["id"].(string)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec := a.do(0, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCORS(t *testing.T) {
	a := newAPI(t)
	h := NewRouter(config.Config{CORSAllowedOrigins: []string{"https://app.example"}}, a.deps)

	req := httptest.NewRequest(http.MethodOptions, "/messages/abc", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPatch, rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequiresAuth(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusUnauthorized, a.do(0, http.MethodGet, "/messages", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(0, http.MethodGet, "/webhooks", nil).Code)
}

func TestMessageLifecycle(t *testing.T) {
	a := newAPI(t)
	hook := a.webhook(1)

	rec := a.do(1, http.MethodPost, "/messages", map[string]any{
		"webhook_id":      hook,
		"message_content": map[string]any{"content": "standup", "embeds": []any{map[string]any{"title": "Agenda"}}},
		"schedule_type":   "recurring",
		"recurrence_pattern": map[string]any{
			"frequency": "weekly", "time": "09:00", "weekdays": []int{1, 3, 5},
		},
		"timezone": "Europe/Madrid",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "pending", created["status"])
	assert.NotNil(t, created["next_send_at"])

	rec = a.do(1, http.MethodGet, "/messages/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(1, http.MethodGet, "/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"], 1)

	rec = a.do(1, http.MethodPost, "/messages/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused", decode(t, rec)["status"])

	rec = a.do(1, http.MethodPost, "/messages/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(1, http.MethodPost, "/messages/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	rec = a.do(1, http.MethodPatch, "/messages/"+id, map[string]any{
		"message_content": map[string]any{"content": "standup moved"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	content := decode(t, rec)["message_content"].(map[string]any)
	assert.Equal(t, "standup moved", content["content"])

	// another owner sees nothing
	assert.Equal(t, http.StatusNotFound, a.do(2, http.MethodGet, "/messages/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(2, http.MethodDelete, "/messages/"+id, nil).Code)

	assert.Equal(t, http.StatusNoContent, a.do(1, http.MethodDelete, "/messages/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(1, http.MethodGet, "/messages/"+id, nil).Code)
}

func TestCreateMessage_Rejects(t *testing.T) {
	a := newAPI(t)
	hook := a.webhook(1)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"empty message", map[string]any{
			"webhook_id": hook, "schedule_type": "once", "scheduled_at": future,
			"message_content": map[string]any{"embeds": []any{map[string]any{}}},
		}, http.StatusUnprocessableEntity},
		{"past once", map[string]any{
			"webhook_id": hook, "schedule_type": "once", "scheduled_at": past,
			"message_content": map[string]any{"content": "x"},
		}, http.StatusUnprocessableEntity},
		{"bad timestamp", map[string]any{
			"webhook_id": hook, "schedule_type": "once", "scheduled_at": "tomorrow",
			"message_content": map[string]any{"content": "x"},
		}, http.StatusUnprocessableEntity},
		{"bad pattern", map[string]any{
			"webhook_id": hook, "schedule_type": "recurring",
			"recurrence_pattern": map[string]any{"frequency": "hourly", "time": "09:00"},
			"message_content":    map[string]any{"content": "x"},
		}, http.StatusUnprocessableEntity},
		{"too many embeds", map[string]any{
			"webhook_id": hook, "schedule_type": "once", "scheduled_at": future,
			"message_content": map[string]any{"embeds": manyEmbeds(11)},
		}, http.StatusUnprocessableEntity},
		{"unknown field", map[string]any{"webhook_id": hook, "when": "soon"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(1, http.MethodPost, "/messages", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	// someone else's webhook
	rec := a.do(2, http.MethodPost, "/messages", map[string]any{
		"webhook_id": hook, "schedule_type": "once", "scheduled_at": future,
		"message_content": map[string]any{"content": "x"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func manyEmbeds(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = map[string]any{"title": "t"}
	}
	return out
}

func TestUpdate_AfterFirstSendConflicts(t *testing.T) {
	a := newAPI(t)
	hook := a.webhook(1)
	rec := a.do(1, http.MethodPost, "/messages", map[string]any{
		"webhook_id": hook, "schedule_type": "recurring",
		"recurrence_pattern": map[string]any{"frequency": "daily", "time": "07:15"},
		"message_content":    map[string]any{"content": "x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	require.NoError(t, a.deps.DB.Model(&schedule.ScheduledMessage{}).Where("id = ?", id).Update("send_count", 1).Error)

	rec = a.do(1, http.MethodPatch, "/messages/"+id, map[string]any{"message_content": map[string]any{"content": "y"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAttachments(t *testing.T) {
	a := newAPI(t)
	hook := a.webhook(1)
	rec := a.do(1, http.MethodPost, "/messages", map[string]any{
		"webhook_id": hook, "schedule_type": "once",
		"scheduled_at":    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"message_content": map[string]any{"content": "see attached"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	upload := func(user uint64, name string, data []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, _ = fw.Write(data)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/messages/"+id+"/attachments", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+a.token(user))
		rec := httptest.NewRecorder()
		a.h.ServeHTTP(rec, req)
		return rec
	}

	rec = upload(1, "notes.txt", []byte("hello attachment"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	att := decode(t, rec)
	assert.Equal(t, "notes.txt", att["filename"])

	assert.Equal(t, http.StatusRequestEntityTooLarge, upload(1, "big.bin", bytes.Repeat([]byte("x"), 2048)).Code)
	assert.Equal(t, http.StatusNotFound, upload(2, "x.txt", []byte("x")).Code)

	rec = a.do(1, http.MethodGet, "/messages/"+id+"/attachments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"], 1)

	rec = a.do(1, http.MethodGet, "/messages/"+id+"/attachments/"+att["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello attachment", rec.Body.String())

	// deleting the message releases the attachments
	require.Equal(t, http.StatusNoContent, a.do(1, http.MethodDelete, "/messages/"+id, nil).Code)
	left, err := a.deps.Attachments.List(t.Context(), id)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestWebhooks(t *testing.T) {
	a := newAPI(t)
	id := a.webhook(1)

	rec := a.do(1, http.MethodGet, "/webhooks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", decode(t, rec)["name"])

	assert.Equal(t, http.StatusNotFound, a.do(2, http.MethodGet, "/webhooks/"+id, nil).Code)

	rec = a.do(1, http.MethodPost, "/webhooks", map[string]any{"name": "bad", "url": "ftp://x.example"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(2, http.MethodGet, "/webhooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["items"])
}
