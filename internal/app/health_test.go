package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"botforge/api/internal/store"
)

// pingStore overrides Ping on the in-memory store.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	payload := h.expect(t, http.StatusOK, http.MethodGet, "/api/health", "", "")
	if ok, exists := payload["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	h := newHarness(t, withStore(pingStore{MemoryStore: store.NewMemoryStore()}))
	payload := h.expect(t, http.StatusOK, http.MethodGet, "/api/ready", "", "")
	if payload["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", payload["status"])
	}
	checks, _ := payload["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["status"] != "ok" {
		t.Errorf("expected store status=ok, got %v", storeCheck["status"])
	}
}

func TestReadyEndpoint_StoreFailure(t *testing.T) {
	h := newHarness(t, withStore(pingStore{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}))
	payload := h.expect(t, http.StatusServiceUnavailable, http.MethodGet, "/api/ready", "", "")
	if payload["ok"] != false || payload["status"] != "not_ready" {
		t.Errorf("unexpected payload %v", payload)
	}
	checks, _ := payload["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["error"] != "connection refused" {
		t.Errorf("expected error message to be surfaced, got %v", storeCheck["error"])
	}
}

func TestMetricsEndpointExposesRequestHistogram(t *testing.T) {
	h := newHarness(t)
	h.expect(t, http.StatusOK, http.MethodGet, "/api/health", "", "")

	rr, _ := h.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "botforge_http_request_duration_seconds") {
		t.Fatalf("expected request histogram in metrics output")
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	h := newHarness(t)
	rr, _ := h.do(t, http.MethodGet, "/api/health", "", "")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated X-Request-ID header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin *, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	token, _ := h.login(t, "Avery")
	payload := h.expect(t, http.StatusNotFound, http.MethodGet, "/api/documents", token, "")
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", payload["code"])
	}
}
