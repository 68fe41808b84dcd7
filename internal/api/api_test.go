package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat/chattest"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/moderation"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
	"github.com/chattroom/chat-app/internal/room"
)

type fakeAuth map[string]auth.Identity

func (f fakeAuth) Verify(token string) (auth.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

type memProfiles struct {
	mu      sync.Mutex
	byUID   map[string]profile.Profile
	getErr  error
	saveErr error
}

func (m *memProfiles) Get(_ context.Context, uid string) (profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return profile.Profile{}, m.getErr
	}
	p, ok := m.byUID[uid]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

func (m *memProfiles) SaveUsername(_ context.Context, u profile.Update) (profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return profile.Profile{}, m.saveErr
	}
	for uid, p := range m.byUID {
		if uid != u.UID && profile.Lower(p.Username) == profile.Lower(u.Username) {
			return profile.Profile{}, profile.ErrUsernameTaken
		}
	}
	p := m.byUID[u.UID]
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UID, p.Username, p.DisplayName, p.PhotoURL = u.UID, u.Username, u.DisplayName, u.PhotoURL
	p.UpdatedAt = time.Now()
	m.byUID[u.UID] = p
	return p, nil
}

type switchLimiter struct{ deny bool }

func (l *switchLimiter) Allowed(context.Context, string, ratelimit.Rule) (bool, time.Duration) {
	if l.deny {
		return false, 4 * time.Second
	}
	return true, 0
}

type fixture struct {
	router   http.Handler
	store    *chattest.Store
	profiles *memProfiles
	limiter  *switchLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: chattest.NewStore(),
		profiles: &memProfiles{byUID: map[string]profile.Profile{
			"u2": {UID: "u2", Username: "bob"},
		}},
		limiter: &switchLimiter{},
	}
	authn := fakeAuth{
		"alice-token": {UID: "u1", DisplayName: "  Alice Pleasance Liddell of Wonderland Lane  "},
		"bob-token":   {UID: "u2", DisplayName: "Bob"},
	}
	svc := room.NewService(f.store, f.profiles, f.limiter, moderation.NewFilter(), nil, logging.Discard())
	f.router = NewRouter(Deps{
		Auth:     authn,
		Room:     svc,
		Profiles: f.profiles,
		Limiter:  f.limiter,
		Logger:   logging.Discard(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/profile"},
		{http.MethodPut, "/api/profile"},
		{http.MethodGet, "/api/messages"},
		{http.MethodPost, "/api/messages"},
	} {
		rec, body := f.do(t, route.method, route.path, "forged", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
		assert.Equal(t, "unauthorized", body["error"])
	}
}

func TestGetProfile_MissingSuggestsUsername(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/profile", "alice-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "profile_incomplete", body["error"])
	assert.Equal(t, "Alice Pleasance Liddell of Won", body["suggestedUsername"])
}

func TestPutProfile(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPut, "/api/profile", "alice-token", `{"username":"  Mad   Hatter "}`)
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "Mad Hatter", body["username"])

	rec, body = f.do(t, http.MethodGet, "/api/profile", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Mad Hatter", body["username"])
	assert.Equal(t, "u1", body["uid"])
}

func TestPutProfile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(*fixture)
		status   int
		code     string
		contains string
	}{
		{"missing field", `{}`, nil, http.StatusBadRequest, "bad_request", ""},
		{"too short", `{"username":" ab "}`, nil, http.StatusUnprocessableEntity, "invalid_username", "at least 3"},
		{"bad characters", `{"username":"al!ce"}`, nil, http.StatusUnprocessableEntity, "invalid_username", "letters, numbers"},
		{"taken", `{"username":"BOB"}`, nil, http.StatusConflict, "username_taken", "already taken"},
		{"throttled", `{"username":"alice"}`, func(f *fixture) { f.limiter.deny = true }, http.StatusTooManyRequests, "rate_limited", ""},
		{"store down", `{"username":"alice"}`, func(f *fixture) { f.profiles.saveErr = errors.New("db down") }, http.StatusInternalServerError, "internal", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			rec, body := f.do(t, http.MethodPut, "/api/profile", "alice-token", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["error"])
			if tt.contains != "" {
				assert.Contains(t, body["message"], tt.contains)
			}
		})
	}
}

func TestPostAndListMessages(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/messages", "bob-token", `{"text":"hello there"}`)
	require.Equal(t, http.StatusCreated, rec.Code, body)
	assert.Equal(t, "hello there", body["text"])
	assert.Equal(t, "u2", body["authorId"])
	assert.Equal(t, "bob", body["username"])

	f.store.SeedText("older", "u9")
	rec, body = f.do(t, http.MethodGet, "/api/messages", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	var texts []any
	for _, m := range msgs {
		texts = append(texts, m.(map[string]any)["text"])
	}
	assert.ElementsMatch(t, []any{"hello there", "older"}, texts)
}

func TestListMessages_EmptyIsArray(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/messages", "bob-token", "")
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestPostMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		body   string
		setup  func(*fixture)
		status int
		code   string
	}{
		{"no text", "bob-token", `{}`, nil, http.StatusBadRequest, "bad_request"},
		{"whitespace", "bob-token", `{"text":"   "}`, nil, http.StatusBadRequest, "invalid_message"},
		{"no profile", "alice-token", `{"text":"hi"}`, nil, http.StatusConflict, "profile_incomplete"},
		{"spam", "bob-token", `{"text":"www.cheap.example"}`, nil, http.StatusUnprocessableEntity, "spam"},
		{"throttled", "bob-token", `{"text":"hi"}`, func(f *fixture) { f.limiter.deny = true }, http.StatusTooManyRequests, "rate_limited"},
		{"store down", "bob-token", `{"text":"hi"}`, func(f *fixture) { f.store.CreateErr = errors.New("db down") }, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			rec, body := f.do(t, http.MethodPost, "/api/messages", tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["error"])
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestPostMessage_RetryAfterHeader(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	rec, _ := f.do(t, http.MethodPost, "/api/messages", "bob-token", `{"text":"hi"}`)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Zero(t, f.store.Len())
}
