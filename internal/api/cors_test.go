package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")
	if err := srv.SetAllowedOrigins([]string{"https://ops.example.com"}); err != nil {
		t.Fatalf("set origins: %v", err)
	}
	handler := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://OPS.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")
	if err := srv.SetAllowedOrigins([]string{"https://ops.example.com"}); err != nil {
		t.Fatalf("set origins: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")
	if err := srv.SetAllowedOrigins([]string{"https://ops.example.com"}); err != nil {
		t.Fatalf("set origins: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/v1/streams", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Fatalf("allow-headers = %q", got)
	}
}

func TestCORSUnconfiguredPassesThrough(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty", got)
	}
}

func TestSetAllowedOriginsRejectsMalformed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")
	if err := srv.SetAllowedOrigins([]string{"ops.example.com"}); err == nil {
		t.Fatal("origin without scheme accepted")
	}
}
