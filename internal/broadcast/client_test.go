package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(Config{
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
		MaxAttempts:   3,
		RetryInterval: 0,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateBroadcastSendsTokenAndPayload(t *testing.T) {
	var gotAuth string
	var gotParams CreateParams
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/broadcasts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotParams); err != nil {
			t.Errorf("decode params: %v", err)
		}
		json.NewEncoder(w).Encode(Broadcast{ID: "bc-42", Status: "scheduled"})
	}))

	start := time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC)
	created, err := client.CreateBroadcast(context.Background(), "tok-1", CreateParams{
		ChannelID:      "chan-1",
		StreamKey:      "key-1",
		Title:          "Morning Show",
		Privacy:        "public",
		ScheduledStart: start,
	})
	if err != nil {
		t.Fatalf("create broadcast: %v", err)
	}
	if created.ID != "bc-42" {
		t.Fatalf("broadcast id = %q", created.ID)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotParams.Title != "Morning Show" || !gotParams.ScheduledStart.Equal(start) {
		t.Fatalf("payload mismatch: %+v", gotParams)
	}
}

func TestCreateBroadcastRejectsMissingID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Broadcast{})
	}))
	_, err := client.CreateBroadcast(context.Background(), "tok", CreateParams{Title: "t", StreamKey: "k"})
	if err == nil {
		t.Fatal("expected error for empty broadcast id")
	}
}

func TestPostRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Broadcast{ID: "bc-1"})
	}))

	if _, err := client.CreateBroadcast(context.Background(), "tok", CreateParams{Title: "t", StreamKey: "k"}); err != nil {
		t.Fatalf("create after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}

	calls.Store(100)
	clientBadReq := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	calls.Store(0)
	if _, err := clientBadReq.CreateBroadcast(context.Background(), "tok", CreateParams{Title: "t", StreamKey: "k"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("400 responses retried: %d calls", got)
	}
}

func TestTransitionBroadcast(t *testing.T) {
	var gotPath string
	var gotState map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotState)
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := client.TransitionBroadcast(context.Background(), "tok", "bc-7", "live"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if gotPath != "/v1/broadcasts/bc-7/transition" || gotState["state"] != "live" {
		t.Fatalf("transition request: path=%q state=%v", gotPath, gotState)
	}
}

func TestFindScheduledBroadcast(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/chan-1/broadcasts" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"broadcasts": []Broadcast{{ID: "bc-old", Status: "scheduled"}},
		})
	}))

	found, ok, err := client.FindScheduledBroadcast(context.Background(), "tok", "chan-1")
	if err != nil || !ok {
		t.Fatalf("find = (%v, %v, %v)", found, ok, err)
	}
	if found.ID != "bc-old" {
		t.Fatalf("found id = %q", found.ID)
	}

	_, ok, err = client.FindScheduledBroadcast(context.Background(), "tok", "chan-2")
	if err != nil || ok {
		t.Fatalf("missing channel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestUploadThumbnail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotContentType string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("thumbnail"); err != nil {
			t.Errorf("thumbnail part missing: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.UploadThumbnail(context.Background(), "tok", "bc-1", path); err != nil {
		t.Fatalf("upload thumbnail: %v", err)
	}
	if gotContentType == "" {
		t.Fatal("content type not set")
	}

	if err := client.UploadThumbnail(context.Background(), "tok", "bc-1", filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatal("expected error for missing thumbnail file")
	}
}
