package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/redis"
)

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4:/v1/newsletter"},
		{"X-Forwarded-For chain", "1.2.3.4, 10.0.0.1", "", "5.6.7.8:1234", "ip:1.2.3.4:/v1/newsletter"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4:/v1/newsletter"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:/v1/newsletter"},
		{"RemoteAddr without port", "", "", "5.6.7.8", "ip:5.6.7.8:/v1/newsletter"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1:/v1/newsletter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/newsletter", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RateLimitMiddleware(nil, nil, IPKeyFunc)(handler)

	req := httptest.NewRequest("POST", "/v1/newsletter", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func newTestLimiter(t *testing.T, limit int) *redis.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: limit, Window: time.Minute})
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, 2)
	router := NewRouter(NewHandler(zap.NewNop(), NewMockCatalog(), &MockSubscriber{}), limiter, zap.NewNop())

	body := SubscribeRequest{Email: "a@b.tn"}
	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodPost, "/v1/newsletter", body, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected X-RateLimit-Limit 2, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := doRequest(t, router, http.MethodPost, "/v1/newsletter", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if errResp := decodeError(t, rec); errResp.Type != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded, got %s", errResp.Type)
	}

	// a different route has its own budget
	rec = doRequest(t, router, http.MethodPost, "/v1/events/"+uuid.NewString()+"/reminders", body, nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 on another route, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_ReadsAreNotLimited(t *testing.T) {
	limiter := newTestLimiter(t, 1)
	router := NewRouter(NewHandler(zap.NewNop(), NewMockCatalog(), &MockSubscriber{}), limiter, zap.NewNop())

	for i := 0; i < 3; i++ {
		rec := doRequest(t, router, http.MethodGet, "/v1/events", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}
