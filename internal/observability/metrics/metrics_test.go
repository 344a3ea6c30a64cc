package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamGaugeNeverNegative(t *testing.T) {
	rec := New()
	rec.StreamStopped()
	rec.StreamStopped()
	if got := rec.ActiveStreams(); got != 0 {
		t.Fatalf("ActiveStreams() = %d, want 0", got)
	}
	rec.StreamStarted()
	rec.StreamStarted()
	rec.StreamStopped()
	if got := rec.ActiveStreams(); got != 1 {
		t.Fatalf("ActiveStreams() = %d, want 1", got)
	}
	events := rec.StreamEventCounts()
	if events["start"] != 2 || events["stop"] != 3 {
		t.Fatalf("unexpected stream events: %v", events)
	}
}

func TestWriteRendersSortedExposition(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/v1/streams", 200, 20*time.Millisecond)
	rec.BroadcastCreated()
	rec.BroadcastFailed()
	rec.TokenRefreshed()
	rec.MatchTick(3)

	var sb strings.Builder
	rec.Write(&sb)
	body := sb.String()

	for _, want := range []string{
		`airtime_http_requests_total{method="GET",path="/v1/streams",status="200"} 1`,
		`airtime_broadcast_events_total{event="created"} 1`,
		`airtime_broadcast_events_total{event="failed"} 1`,
		`airtime_token_events_total{event="refreshed"} 1`,
		"airtime_match_ticks_total 1",
		"airtime_schedules_matched_total 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}

	var sb strings.Builder
	rec.Write(&sb)
	if !strings.Contains(sb.String(), `status="418"`) {
		t.Fatalf("middleware did not record status:\n%s", sb.String())
	}
}
