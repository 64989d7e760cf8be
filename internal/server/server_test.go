package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/completion"
	"github.com/anaphygon/askgate/internal/config"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type stubProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *stubProvider) Generate(_ context.Context, req *completion.Request) (*completion.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &completion.Response{
		Text:             "Answer: " + req.Question,
		FinishReason:     "STOP",
		PromptTokens:     7,
		CompletionTokens: 11,
	}, nil
}

func (p *stubProvider) Model() string { return "stub-model" }

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testServer struct {
	*Server
	provider *stubProvider
	clock    *clock.Manual
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Storage.DataDir = dir
	cfg.Storage.UsersDir = dir + "/users"
	cfg.Storage.SessionsDir = dir + "/sessions"
	cfg.Storage.UsageDir = dir + "/usage"
	cfg.Security.AdminPassword = "admin-secret"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Quota.Timezone = "UTC"
	cfg.Retry.MaxAttempts = 1
	if mutate != nil {
		mutate(cfg)
	}

	provider := &stubProvider{}
	clk := clock.NewManual(time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))
	s, err := New(cfg, zap.NewNop(), WithProvider(provider), WithClock(clk))
	require.NoError(t, err)

	return &testServer{Server: s, provider: provider, clock: clk}
}

func (ts *testServer) do(method, path string, body interface{}, header map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "askgate-test")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "askgate_session" && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

func anonymous(cfg *config.Config) {
	cfg.Auth.Mode = "anonymous"
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "stub-model", body["model"])

	h := rec.Header()
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
	assert.NotEmpty(t, h.Get("X-Request-ID"))

	rec = ts.do(http.MethodGet, "/ping", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestSuspiciousURLRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{
		"/health?next=%3Cscript%3Ealert(1)%3C/script%3E",
		"/health?file=/etc/passwd",
		"/health?go=javascript:alert(1)",
	} {
		rec := ts.do(http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		anonymous(cfg)
		cfg.Server.MaxBodyBytes = 64
	})

	rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: strings.Repeat("a long question ", 10)}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChat_SessionRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "UNAUTHORIZED", body["errorType"])
	assert.Equal(t, 0, ts.provider.Calls())

	rec = ts.do(http.MethodGet, "/chat", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))
}

func TestRegisterLoginChat(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/auth/register", jsonBody{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "secret1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cookie := sessionCookie(t, rec)

	rec = ts.do(http.MethodGet, "/auth/user", nil, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]interface{})
	assert.Equal(t, "alice", user["username"])
	assert.Nil(t, user["password"])

	rec = ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "What is Go?", Mode: "concise"}, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Answer: What is Go?", resp.Message)
	assert.False(t, resp.Metadata.FromCache)
	assert.Equal(t, "stub-model", resp.Metadata.Model)
	require.NotNil(t, resp.Metadata.Quota)
	assert.Equal(t, 1, resp.Metadata.Quota.Used)
	assert.Equal(t, 50, resp.Metadata.Quota.Limit)
	require.NotNil(t, resp.Metadata.Usage)
	assert.Equal(t, 7, resp.Metadata.Usage.PromptTokens)
	assert.Equal(t, "15", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "14", rec.Header().Get("X-RateLimit-Remaining"))

	// the same question again is served from cache without using quota
	rec = ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "what is go?", Mode: "concise"}, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Metadata.FromCache)
	assert.Equal(t, 1, ts.provider.Calls())

	rec = ts.do(http.MethodGet, "/api/quota", nil, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	quota := decode(t, rec)["quota"].(map[string]interface{})
	assert.Equal(t, float64(1), quota["used"])
	assert.Equal(t, float64(49), quota["remaining"])

	rec = ts.do(http.MethodGet, "/chat", nil, nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")

	rec = ts.do(http.MethodPost, "/auth/logout", nil, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "again"}, nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister_Conflicts(t *testing.T) {
	ts := newTestServer(t, nil)
	body := jsonBody{"username": "bob", "email": "bob@example.com", "password": "secret1"}

	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/auth/register", body, nil).Code)

	rec := ts.do(http.MethodPost, "/auth/register", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "USER_EXISTS", decode(t, rec)["errorType"])

	rec = ts.do(http.MethodPost, "/auth/register", jsonBody{"username": "b!", "email": "x@example.com", "password": "secret1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginThrottling(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/auth/register",
		jsonBody{"username": "carol", "email": "carol@example.com", "password": "secret1"}, nil).Code)

	bad := jsonBody{"username": "carol", "password": "wrong-password"}
	for i := 0; i < 5; i++ {
		rec := ts.do(http.MethodPost, "/auth/login", bad, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i)
	}

	rec := ts.do(http.MethodPost, "/auth/login", jsonBody{"username": "carol", "password": "secret1"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	ts.clock.Advance(15*time.Minute + time.Second)
	rec = ts.do(http.MethodPost, "/auth/login", jsonBody{"username": "carol", "password": "secret1", "remember": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*24*3600, sessionCookie(t, rec).MaxAge)
}

func TestChat_AnonymousRateLimit(t *testing.T) {
	ts := newTestServer(t, anonymous)

	for i := 0; i < 15; i++ {
		rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello world"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d: %s", i, rec.Body.String())
	}

	rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello world"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "RATE_LIMITED", body["errorType"])
	assert.Equal(t, true, body["retryable"])
	assert.NotEmpty(t, body["suggestions"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Window"))

	// one provider call; the rest were cache hits
	assert.Equal(t, 1, ts.provider.Calls())
}

func TestChat_ProviderFailures(t *testing.T) {
	t.Run("fallback", func(t *testing.T) {
		ts := newTestServer(t, anonymous)
		ts.provider.err = &completion.ProviderError{StatusCode: 503, Message: "unavailable"}

		rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello there"}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.ChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Fallback)
		assert.Equal(t, completion.FallbackKeywordMatch, resp.FallbackType)
		assert.Equal(t, "greeting", resp.Metadata.Category)
	})

	t.Run("fallback disabled", func(t *testing.T) {
		ts := newTestServer(t, func(cfg *config.Config) {
			anonymous(cfg)
			cfg.Fallback.Disabled = true
		})
		ts.provider.err = &completion.ProviderError{StatusCode: 401, Message: "bad key"}

		rec := ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello there"}, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "AUTH_ERROR", body["errorType"])
		assert.Equal(t, false, body["retryable"])
	})
}

func TestChat_Validation(t *testing.T) {
	ts := newTestServer(t, anonymous)

	tests := []struct {
		name string
		req  models.ChatRequest
	}{
		{"empty", models.ChatRequest{Question: "   "}},
		{"too long", models.ChatRequest{Question: strings.Repeat("x", 5001)}},
		{"spam", models.ChatRequest{Question: "is this a scam?"}},
		{"caps", models.ChatRequest{Question: "WHY IS EVERYTHING SO LOUD TODAY"}},
		{"repetition", models.ChatRequest{Question: strings.Repeat("buy my stuff ", 5)}},
		{"context items", models.ChatRequest{Question: "ok", Context: make([]models.ChatTurn, 11)}},
		{"context text", models.ChatRequest{Question: "ok", Context: []models.ChatTurn{{Text: strings.Repeat("y", 1001), IsUser: true}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/chat", tt.req, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", body["errorType"])
			assert.Equal(t, false, body["success"])
		})
	}
	assert.Equal(t, 0, ts.provider.Calls())
}

func TestValidator_Rules(t *testing.T) {
	cfg := config.Default().Validation
	v := newChatValidator(cfg)

	req := &models.ChatRequest{Question: "  How do I hack my way into learning Go faster?  "}
	assert.Error(t, v.Validate(req))

	req = &models.ChatRequest{Question: "  Hackathon tips?  "}
	require.NoError(t, v.Validate(req))
	assert.Equal(t, "Hackathon tips?", req.Question)

	assert.True(t, hasRepetition(strings.Repeat("0123456789", 4)))
	assert.False(t, hasRepetition(strings.Repeat("0123456789", 3)))
	assert.False(t, hasRepetition(strings.Repeat("ab", 30)[:19]))

	assert.True(t, excessiveCaps("THIS IS A VERY LOUD QUESTION"))
	assert.False(t, excessiveCaps("SHORT CAPS"))
	assert.False(t, excessiveCaps("What does NASA do with the ISS data?"))
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, anonymous)

	rec := ts.do(http.MethodGet, "/admin/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/login", jsonBody{"password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/login", jsonBody{"password": "admin-secret"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["token"].(string)
	assert.Equal(t, generateToken("admin-secret"), token)
	admin := map[string]string{"X-Admin-Token": token}

	rec = ts.do(http.MethodGet, "/admin/verify", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	// produce some traffic
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "What is Go?"}, nil).Code)

	rec = ts.do(http.MethodGet, "/admin/stats", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	rl := stats["rateLimit"].(map[string]interface{})
	assert.Equal(t, float64(1), rl["totalRequests"])
	cacheStats := stats["cache"].(map[string]interface{})
	assert.Equal(t, float64(1), cacheStats["entries"])

	rec = ts.do(http.MethodGet, "/admin/users", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode(t, rec)["users"].([]interface{})
	require.Len(t, users, 1)
	userID := users[0].(map[string]interface{})["id"].(string)

	rec = ts.do(http.MethodPost, "/admin/users/limit", jsonBody{"userId": userID, "limit": 1}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/chat", models.ChatRequest{Question: "Another question"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", decode(t, rec)["errorType"])

	rec = ts.do(http.MethodPost, "/admin/users/limit", jsonBody{"userId": "ghost", "limit": 5}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/cache/clear", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["cleared"])

	rec = ts.do(http.MethodPost, "/admin/ratelimit/reset", jsonBody{"ip": "192.0.2.1", "userAgent": "askgate-test"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, decode(t, rec)["clientKey"])

	rec = ts.do(http.MethodGet, "/admin/usage?days=1", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode(t, rec)["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["totalRequests"])

	rec = ts.do(http.MethodGet, "/admin/usage?days=abc", nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/logs?limit=5", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodDelete, "/admin/logs", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, anonymous)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/ping", nil, nil).Code)

	rec := ts.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "askgate_http_requests_total")
	assert.Contains(t, body, `limiter="login"`)
	assert.Contains(t, body, "askgate_cache_entries")
}

func TestPages(t *testing.T) {
	ts := newTestServer(t, anonymous)

	rec := ts.do(http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = ts.do(http.MethodGet, "/chat", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/chat")

	rec = ts.do(http.MethodGet, "/auth/login", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Register")
}

type jsonBody map[string]interface{}
