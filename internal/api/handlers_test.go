package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"airtime/internal/models"
	"airtime/internal/observability/metrics"
	"airtime/internal/store"
)

type fakeControl struct {
	stopped     []string
	stopErr     error
	forced      []string
	forcedID    string
	forcedErr   error
	activeCount int
}

func (f *fakeControl) StopStreamByID(_ context.Context, streamID string) error {
	f.stopped = append(f.stopped, streamID)
	return f.stopErr
}

func (f *fakeControl) ForceCreateBroadcast(_ context.Context, scheduleID string) (string, error) {
	f.forced = append(f.forced, scheduleID)
	return f.forcedID, f.forcedErr
}

func (f *fakeControl) ActiveCount() int { return f.activeCount }

func newTestServer(t *testing.T, control *fakeControl, tokenHash string) (*Server, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close(context.Background()) })
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(repo, control, metrics.New(), logger, tokenHash), repo
}

func seedStream(t *testing.T, repo store.Repository, title string) models.Stream {
	t.Helper()
	stream, err := repo.CreateStream(context.Background(), models.Stream{
		ChannelID:  "chan-1",
		Title:      title,
		SourcePath: "/media/show.mp4",
		IngestURL:  "rtmp://ingest.example/live",
		StreamKey:  "key",
	})
	if err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	return stream
}

func TestHealthzReportsActiveStreams(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{activeCount: 3}, "")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["active_streams"] != float64(3) {
		t.Fatalf("active_streams = %v", payload["active_streams"])
	}
}

func TestBearerAuthGuardsMutations(t *testing.T) {
	hash, err := HashToken("operator-secret")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	control := &fakeControl{}
	srv, repo := newTestServer(t, control, hash)
	stream := seedStream(t, repo, "Guarded")
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/streams/"+stream.ID+"/stop", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/"+stream.ID+"/stop", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/streams/"+stream.ID+"/stop", nil)
	req.Header.Set("Authorization", "Bearer operator-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: status = %d, want 204", rec.Code)
	}
	if len(control.stopped) != 1 || control.stopped[0] != stream.ID {
		t.Fatalf("stop calls = %v", control.stopped)
	}
}

func TestListStreamsFiltersByStatus(t *testing.T) {
	srv, repo := newTestServer(t, &fakeControl{}, "")
	live := seedStream(t, repo, "Live Show")
	seedStream(t, repo, "Idle Show")
	if err := repo.UpdateStreamStatus(context.Background(), live.ID, models.StreamLive); err != nil {
		t.Fatalf("set live: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams?status=live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Streams []streamResponse `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Streams) != 1 || payload.Streams[0].ID != live.ID {
		t.Fatalf("filtered streams = %+v", payload.Streams)
	}
}

func TestGetStreamNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeControl{}, "")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestForceBroadcastEndpoint(t *testing.T) {
	control := &fakeControl{forcedID: "bc-9"}
	srv, _ := newTestServer(t, control, "")
	handler := srv.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/schedules/sch-1/broadcast", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["broadcastId"] != "bc-9" {
		t.Fatalf("broadcastId = %q", payload["broadcastId"])
	}
	if len(control.forced) != 1 || control.forced[0] != "sch-1" {
		t.Fatalf("forced calls = %v", control.forced)
	}

	control.forcedErr = fmt.Errorf("schedule sch-1 already has broadcast bc-9")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/schedules/sch-1/broadcast", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStopRejectedWhenNotRunning(t *testing.T) {
	control := &fakeControl{stopErr: fmt.Errorf("stream st-1 is not running")}
	srv, repo := newTestServer(t, control, "")
	stream := seedStream(t, repo, "Stopped Show")

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/streams/"+stream.ID+"/stop", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, repo := newTestServer(t, &fakeControl{}, "")
	for i := 0; i < 3; i++ {
		err := repo.RecordEvent(context.Background(), models.StreamEvent{
			StreamID: fmt.Sprintf("st-%d", i),
			Event:    "stream.started",
		})
		if err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Events []models.StreamEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(payload.Events))
	}

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestTokenHashRoundTrip(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := VerifyToken(hash, "s3cret"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyToken(hash, "wrong"); err == nil {
		t.Fatal("wrong token accepted")
	}
	if _, err := HashToken("  "); err == nil {
		t.Fatal("blank token accepted")
	}
}
