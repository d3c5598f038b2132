package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/phonelink/internal/metrics"
	"github.com/hitoshi/phonelink/internal/middleware"
	"github.com/hitoshi/phonelink/internal/model"
)

func newTestRouter(t *testing.T, broker *mockBroker) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()

	return NewRouter(&RouterDeps{
		SessionConfig:     middleware.SessionConfig{MaxAge: 86400},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		AuthFlow:          &mockAuthFlow{},
		AuthConfig:        AuthHandlerConfig{NotifyChannel: "sms"},
		Broker:            broker,
		Users:             &mockUserFinder{},
		Mail:              &mockMailClient{},
		Sender:            &mockSender{},
		Metrics:           metrics.NewCollector(reg),
		Gatherer:          reg,
	})
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_StartAuthEndpoint_Redirects(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/auth/gmail?phone_token=t1", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("GET /auth/gmail status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
}

func TestRouter_CallbackEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/auth/gmail/callback?code=c&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s1"})
	req.AddCookie(&http.Cookie{Name: linkTokenCookie, Value: "t1"})
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /auth/gmail/callback status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_WebhookEndpoint(t *testing.T) {
	broker := &mockBroker{
		getCredentialFn: func(ctx context.Context, identity model.Identity) (*model.Credential, error) {
			return nil, model.ErrNeedsAuth
		},
	}
	router := newTestRouter(t, broker)

	form := strings.NewReader("From=%2B819012345678&Body=hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook/messaging", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("POST /webhook/messaging status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_VoiceFunctionsEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	payload := bytes.NewReader([]byte(`{"function":"get_phone_auth_status","parameters":{"phone_number":"+819012345678"}}`))
	req := httptest.NewRequest(http.MethodPost, "/voice/functions", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("POST /voice/functions status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_MeEndpoint_MintsSession(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /auth/me status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// セッションが新規発行されること
	found := false
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected session_id cookie to be minted")
	}
}

func TestRouter_LogoutEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "existing-session"})
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("POST /auth/logout status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Result().Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
}

func TestRouter_CORSPreflightReturns204(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodOptions, "/auth/me", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRouter_UnknownRoute_Returns404(t *testing.T) {
	router := newTestRouter(t, &mockBroker{})

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

// レート制限が同一識別子の連続リクエストに効くことの確認
func TestRouter_GeneralRateLimitApplies(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		AuthStartRate:   1,
		AuthStartBurst:  5,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		SessionConfig:     middleware.SessionConfig{MaxAge: 86400},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		AuthFlow:          &mockAuthFlow{},
		AuthConfig:        AuthHandlerConfig{},
		Broker:            &mockBroker{},
		Users:             &mockUserFinder{},
		Mail:              &mockMailClient{},
		Sender:            &mockSender{},
	})

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "burst-session"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	if status := send(); status != http.StatusOK {
		t.Errorf("first request status = %d, want %d", status, http.StatusOK)
	}
	if status := send(); status != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", status, http.StatusTooManyRequests)
	}
}
