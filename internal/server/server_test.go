package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dockhand-sh/dockhand/internal/config"
)

func testServeConfig() config.ServeConfig {
	return config.ServeConfig{
		Port:      8000,
		RateLimit: 100,
		RateBurst: 100,
		LogLevel:  "off",
	}
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, config.Filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestHealth(t *testing.T) {
	srv := New(testServeConfig(), nil)

	rec := doGet(t, srv.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}

	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Version != "dev" {
		t.Errorf("version = %q, want dev", body.Version)
	}
}

func TestHealthTrailingSlash(t *testing.T) {
	srv := New(testServeConfig(), nil)

	if rec := doGet(t, srv.Handler(), "/health/"); rec.Code != http.StatusOK {
		t.Errorf("GET /health/ = %d, want 200", rec.Code)
	}
}

func TestReadyWithoutProbes(t *testing.T) {
	srv := New(testServeConfig(), nil)

	rec := doGet(t, srv.Handler(), "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d, want 200", rec.Code)
	}

	var body readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ready" {
		t.Errorf("status = %q with no probes registered, want ready", body.Status)
	}
	if len(body.Checks) != 0 {
		t.Errorf("checks = %v, want empty", body.Checks)
	}
}

func TestReadyReportsProbeFailure(t *testing.T) {
	probes := NewProbeRegistry()
	mustRegister(t, probes, "config", func(ctx context.Context) error { return nil })
	mustRegister(t, probes, "database", func(ctx context.Context) error {
		return errors.New("dial tcp 127.0.0.1:5432: connection refused")
	})
	srv := New(testServeConfig(), probes)

	rec := doGet(t, srv.Handler(), "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready = %d, want 503", rec.Code)
	}

	var body readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "unavailable" {
		t.Errorf("status = %q with a failing probe, want unavailable", body.Status)
	}
	if got := body.Checks["config"]; got != "ok" {
		t.Errorf("checks[config] = %q, want ok", got)
	}
	if got := body.Checks["database"]; !strings.Contains(got, "connection refused") {
		t.Errorf("checks[database] = %q, want the probe error", got)
	}
}

func TestReadySurvivesPanickingProbe(t *testing.T) {
	probes := NewProbeRegistry()
	mustRegister(t, probes, "cache", func(ctx context.Context) error {
		panic("nil pointer somewhere deep")
	})
	srv := New(testServeConfig(), probes)

	rec := doGet(t, srv.Handler(), "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready = %d, want 503", rec.Code)
	}

	// The process must stay serviceable after the panic.
	if rec := doGet(t, srv.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Errorf("GET /health after panic = %d, want 200", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := New(testServeConfig(), nil)

	rec := doGet(t, srv.Handler(), "/health")
	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestIDAssigned(t *testing.T) {
	srv := New(testServeConfig(), nil)

	rec := doGet(t, srv.Handler(), "/health")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("response has no X-Request-Id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(testServeConfig(), nil)

	// Generate at least one observed request first.
	doGet(t, srv.Handler(), "/health")

	rec := doGet(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing go runtime collectors")
	}
}

func TestRateLimitThrottlesReady(t *testing.T) {
	cfg := testServeConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	srv := New(cfg, nil)

	if rec := doGet(t, srv.Handler(), "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("first GET /ready = %d, want 200", rec.Code)
	}
	rec := doGet(t, srv.Handler(), "/ready")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second GET /ready = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response has no Retry-After header")
	}
}

func TestRateLimitExemptsHealthAndMetrics(t *testing.T) {
	cfg := testServeConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	srv := New(cfg, nil)

	for i := 0; i < 10; i++ {
		if rec := doGet(t, srv.Handler(), "/health"); rec.Code != http.StatusOK {
			t.Fatalf("GET /health #%d = %d, want 200", i+1, rec.Code)
		}
	}
	for i := 0; i < 3; i++ {
		if rec := doGet(t, srv.Handler(), "/metrics"); rec.Code != http.StatusOK {
			t.Fatalf("GET /metrics #%d = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := New(testServeConfig(), nil)

	if rec := doGet(t, srv.Handler(), "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestAddr(t *testing.T) {
	cfg := testServeConfig()
	cfg.Port = 9000
	srv := New(cfg, nil)

	if got := srv.Addr(); got != ":9000" {
		t.Errorf("Addr() = %q, want :9000", got)
	}
}
