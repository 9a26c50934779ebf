// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/jessesrsmith/beat-link/pkg/interfaces"
)

type fakeHistory struct {
	healthErr error
}

func (f *fakeHistory) WritePresenceEvent(_ *interfaces.PresenceEvent) error { return nil }

func (f *fakeHistory) WriteProbeEvent(_ *interfaces.ProbeEvent) error { return nil }

func (f *fakeHistory) Flush() {}

func (f *fakeHistory) Close() {}

func (f *fakeHistory) Health(ctx context.Context) error { return f.healthErr }

func (f *fakeHistory) QueryLatestPresence(_ context.Context, _ int) (*interfaces.PresenceEvent, error) {
	return nil, nil
}

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if w.Body.String() != "OK" {
		t.Errorf("healthCheckHandler() body = %s, want OK", w.Body.String())
	}
}

func TestRateLimitMiddleware_WithinLimit(t *testing.T) {
	limiter := rate.NewLimiter(10, 20)
	testHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	handler := rateLimitMiddleware(limiter, testHandler)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_ExceedLimit(t *testing.T) {
	limiter := rate.NewLimiter(1, 1)
	testHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	handler := rateLimitMiddleware(limiter, testHandler)

	w1 := httptest.NewRecorder()
	handler(w1, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w1.Code != http.StatusOK {
		t.Errorf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	w2 := httptest.NewRecorder()
	handler(w2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

func TestReadinessCheckHandler_Healthy(t *testing.T) {
	history := &fakeHistory{}
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	readinessCheckHandler(w, req, history)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readinessCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestReadinessCheckHandler_Unhealthy(t *testing.T) {
	history := &fakeHistory{healthErr: context.DeadlineExceeded}
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	readinessCheckHandler(w, req, history)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readinessCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestPassiveVirtualCdj(t *testing.T) {
	v := newPassiveVirtualCdj(5)

	if v.IsActive() {
		t.Error("IsActive() should always be false")
	}
	if v.LocalAddress() != nil {
		t.Error("LocalAddress() should be nil")
	}
	if v.DeviceNumber() != 5 {
		t.Errorf("DeviceNumber() = %d, want 5", v.DeviceNumber())
	}
	if _, ok := v.LatestStatusFor(1); ok {
		t.Error("LatestStatusFor() should never report a known status")
	}
}
