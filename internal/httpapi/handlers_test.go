package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/history"
	"call-signaling/internal/signal"
)

type denyLimiter struct{ allow bool }

func (d denyLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	return d.allow, nil
}

type fakeRegistrar struct {
	tokens map[string]string
}

func (r *fakeRegistrar) RegisterPushToken(ctx context.Context, userID, token string) error {
	if r.tokens == nil {
		r.tokens = make(map[string]string)
	}
	if token == "" {
		delete(r.tokens, userID)
		return nil
	}
	r.tokens[userID] = token
	return nil
}

type apiFixture struct {
	router  *gin.Engine
	store   *callstore.MemoryStore
	machine *signal.Machine
	archive *history.MemoryRepo
	tokens  fakeRegistrar
}

func newAPIFixture(t *testing.T, limiter RateLimiter) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		store:   callstore.NewMemoryStore(),
		archive: history.NewMemoryRepo(),
	}
	f.machine = signal.New(f.store, nil)

	h := Handlers{
		Machine:      f.machine,
		Store:        f.store,
		History:      f.archive,
		PlaceLimiter: limiter,
		Registrar:    &f.tokens,
	}

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(RequireUser())
	{
		v1.POST("/calls", h.PlaceCall)
		v1.GET("/calls/:id", h.GetCall)
		v1.POST("/calls/:id/answer", h.Answer)
		v1.POST("/calls/:id/decline", h.Decline)
		v1.POST("/calls/:id/hangup", h.HangUp)
		v1.POST("/calls/:id/signals", h.AppendSignal)
		v1.PUT("/devices/push-token", h.RegisterDevice)
		v1.GET("/users/:user_id/history", h.ListHistory)
	}
	f.router = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeCall(t *testing.T, body []byte) call.Record {
	t.Helper()
	var rec call.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	return rec
}

type transitionBody struct {
	Won  bool        `json:"won"`
	Call call.Record `json:"call"`
}

func decodeTransition(t *testing.T, body []byte) transitionBody {
	t.Helper()
	var tb transitionBody
	require.NoError(t, json.Unmarshal(body, &tb))
	return tb
}

func TestPlaceCall(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/calls", "alice", `{"recipient_id":"bob","type":"audio"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec := decodeCall(t, w.Body.Bytes())
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.RecipientID)
	assert.Equal(t, call.StatusRinging, rec.Status)
	assert.NotEmpty(t, rec.ID)
}

func TestPlaceCallValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/calls", "", `{"recipient_id":"bob","type":"audio"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/calls", "alice", `{"recipient_id":"bob","type":"fax"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/calls", "alice", `{"type":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Self-calls are rejected by the store.
	w = f.do(t, http.MethodPost, "/v1/calls", "alice", `{"recipient_id":"alice","type":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaceCallRateLimited(t *testing.T) {
	f := newAPIFixture(t, denyLimiter{allow: false})

	w := f.do(t, http.MethodPost, "/v1/calls", "alice", `{"recipient_id":"bob","type":"audio"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetCallHidesForeignCalls(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, err := f.machine.PlaceCall(context.Background(), "alice", "bob", call.TypeAudio)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/calls/"+rec.ID, "bob", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/calls/"+rec.ID, "mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/calls/unknown", "bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnswerOnlyByRecipient(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, err := f.machine.PlaceCall(context.Background(), "alice", "bob", call.TypeAudio)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/answer", "alice", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/answer", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tb := decodeTransition(t, w.Body.Bytes())
	assert.True(t, tb.Won)
	assert.Equal(t, call.StatusConnecting, tb.Call.Status)
}

func TestLateAnswerReconciles(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	rec, err := f.machine.PlaceCall(ctx, "alice", "bob", call.TypeAudio)
	require.NoError(t, err)
	_, err = f.machine.HangUp(ctx, rec.ID)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/answer", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tb := decodeTransition(t, w.Body.Bytes())
	assert.False(t, tb.Won)
	assert.Equal(t, call.StatusEnded, tb.Call.Status)
}

func TestHangUpByEitherParticipant(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, err := f.machine.PlaceCall(context.Background(), "alice", "bob", call.TypeAudio)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/hangup", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	tb := decodeTransition(t, w.Body.Bytes())
	assert.True(t, tb.Won)
	assert.Equal(t, call.StatusEnded, tb.Call.Status)
	require.NotNil(t, tb.Call.EndedAt)
}

func TestAppendSignal(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, err := f.machine.PlaceCall(context.Background(), "alice", "bob", call.TypeAudio)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/signals", "alice", `{"data":"offer-blob"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tb := decodeTransition(t, w.Body.Bytes())
	require.Len(t, tb.Call.Signals, 1)
	assert.Equal(t, "alice", tb.Call.Signals[0].From)

	w = f.do(t, http.MethodPost, "/v1/calls/"+rec.ID+"/signals", "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterDevice(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPut, "/v1/devices/push-token", "alice", `{"token":"tok-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok-1", f.tokens.tokens["alice"])

	// Empty token clears the registration.
	w = f.do(t, http.MethodPut, "/v1/devices/push-token", "alice", `{"token":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := f.tokens.tokens["alice"]
	assert.False(t, ok)
}

func TestListHistoryIsPrivate(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	entry := history.Entry{
		CallID:      "c1",
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        call.TypeAudio,
		Outcome:     call.StatusEnded,
		StartedAt:   time.Now().UTC(),
		EndedAt:     time.Now().UTC(),
		ArchivedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.archive.Archive(ctx, entry))

	w := f.do(t, http.MethodGet, "/v1/users/alice/history", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Calls []history.Entry `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Calls, 1)
	assert.Equal(t, "c1", body.Calls[0].CallID)

	w = f.do(t, http.MethodGet, "/v1/users/alice/history", "bob", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
