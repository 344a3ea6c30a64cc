package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"airtime/internal/models"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "airtime.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		repo.Close(ctx)
	})
	return repo
}

func seedStream(t *testing.T, repo Repository) models.Stream {
	t.Helper()
	stream, err := repo.CreateStream(context.Background(), models.Stream{
		Title:      "morning loop",
		SourcePath: "/media/morning.mp4",
		IngestURL:  "rtmp://ingest.example/live",
		StreamKey:  "key-123",
		Loop:       true,
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return stream
}

func seedSchedule(t *testing.T, repo Repository, streamID string) models.Schedule {
	t.Helper()
	schedule, err := repo.CreateSchedule(context.Background(), models.Schedule{
		StreamID:        streamID,
		StartTime:       time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		Recurring:       true,
		RecurringDays:   []time.Weekday{time.Monday, time.Friday},
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return schedule
}

func TestStreamRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := seedStream(t, repo)
	got, err := repo.GetStream(ctx, created.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.Title != created.Title || got.SourcePath != created.SourcePath || !got.Loop {
		t.Fatalf("stream round trip mismatch: %+v", got)
	}
	if got.Status != models.StreamOffline {
		t.Fatalf("new stream status = %q, want offline", got.Status)
	}

	if _, err := repo.GetStream(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing stream error = %v, want ErrNotFound", err)
	}
}

func TestScheduleRoundTripKeepsRecurringDays(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	stream := seedStream(t, repo)
	created := seedSchedule(t, repo, stream.ID)

	got, err := repo.GetSchedule(ctx, created.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.Recurring || len(got.RecurringDays) != 2 {
		t.Fatalf("recurring days lost: %+v", got)
	}
	if got.RecurringDays[0] != time.Monday || got.RecurringDays[1] != time.Friday {
		t.Fatalf("recurring days = %v", got.RecurringDays)
	}
	if !got.StartTime.Equal(created.StartTime) {
		t.Fatalf("start time = %v, want %v", got.StartTime, created.StartTime)
	}
	if got.BroadcastStatus != models.BroadcastPending {
		t.Fatalf("broadcast status = %q, want pending", got.BroadcastStatus)
	}
}

func TestBindStreamBroadcastIsWriteOnce(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)

	bound, err := repo.BindStreamBroadcast(ctx, stream.ID, "bc-1")
	if err != nil || !bound {
		t.Fatalf("first bind = (%v, %v), want (true, nil)", bound, err)
	}

	// Same id again is a no-op, not an error.
	bound, err = repo.BindStreamBroadcast(ctx, stream.ID, "bc-1")
	if err != nil || bound {
		t.Fatalf("rebind same id = (%v, %v), want (false, nil)", bound, err)
	}

	// A different id must never overwrite.
	if _, err := repo.BindStreamBroadcast(ctx, stream.ID, "bc-2"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebind different id error = %v, want ErrAlreadyBound", err)
	}
	got, err := repo.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.BroadcastID != "bc-1" {
		t.Fatalf("broadcast id = %q, want bc-1", got.BroadcastID)
	}
}

func TestClaimBroadcastCreationSingleWinner(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)
	schedule := seedSchedule(t, repo, stream.ID)

	claimed, err := repo.ClaimBroadcastCreation(ctx, schedule.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = repo.ClaimBroadcastCreation(ctx, schedule.ID)
	if err != nil || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", claimed, err)
	}

	if err := repo.SetScheduleBroadcast(ctx, schedule.ID, "bc-9"); err != nil {
		t.Fatalf("set schedule broadcast: %v", err)
	}
	got, err := repo.GetSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.BroadcastStatus != models.BroadcastReady || got.BroadcastID != "bc-9" {
		t.Fatalf("after bind: status=%q id=%q", got.BroadcastStatus, got.BroadcastID)
	}

	// Write-once on the schedule side too.
	if err := repo.SetScheduleBroadcast(ctx, schedule.ID, "bc-9"); err != nil {
		t.Fatalf("idempotent rebind: %v", err)
	}
	if err := repo.SetScheduleBroadcast(ctx, schedule.ID, "bc-10"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebind different id error = %v, want ErrAlreadyBound", err)
	}
}

func TestSetScheduleBroadcastErrorMarksFailed(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)
	schedule := seedSchedule(t, repo, stream.ID)

	if err := repo.SetScheduleBroadcastError(ctx, schedule.ID, "quota exceeded"); err != nil {
		t.Fatalf("set broadcast error: %v", err)
	}
	got, err := repo.GetSchedule(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.BroadcastStatus != models.BroadcastFailed || got.BroadcastError != "quota exceeded" {
		t.Fatalf("after failure: status=%q error=%q", got.BroadcastStatus, got.BroadcastError)
	}
}

func TestActiveSchedulePointerLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)
	schedule := seedSchedule(t, repo, stream.ID)

	end := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := repo.SetActiveSchedule(ctx, stream.ID, schedule.ID, end); err != nil {
		t.Fatalf("set active schedule: %v", err)
	}
	if err := repo.UpdateStreamStatus(ctx, stream.ID, models.StreamLive); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := repo.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.ActiveScheduleID != schedule.ID {
		t.Fatalf("active schedule id = %q, want %q", got.ActiveScheduleID, schedule.ID)
	}
	if got.ScheduledEnd == nil || !got.ScheduledEnd.Equal(end) {
		t.Fatalf("scheduled end = %v, want %v", got.ScheduledEnd, end)
	}

	if err := repo.ClearActiveSchedule(ctx, stream.ID); err != nil {
		t.Fatalf("clear active schedule: %v", err)
	}
	got, err = repo.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.ActiveScheduleID != "" || got.ScheduledEnd != nil {
		t.Fatalf("pointer not cleared: %+v", got)
	}
}

func TestResetActiveStreams(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	live := seedStream(t, repo)
	stopping := seedStream(t, repo)
	idle := seedStream(t, repo)

	if err := repo.UpdateStreamStatus(ctx, live.ID, models.StreamLive); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStreamStatus(ctx, stopping.ID, models.StreamStopping); err != nil {
		t.Fatal(err)
	}

	count, err := repo.ResetActiveStreams(ctx)
	if err != nil {
		t.Fatalf("reset active streams: %v", err)
	}
	if count != 2 {
		t.Fatalf("reset count = %d, want 2", count)
	}
	for _, id := range []string{live.ID, stopping.ID, idle.ID} {
		got, err := repo.GetStream(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StreamOffline {
			t.Fatalf("stream %s status = %q, want offline", id, got.Status)
		}
	}
}

func TestListOpenSchedulesSkipsFinished(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)

	open := seedSchedule(t, repo, stream.ID)
	done := seedSchedule(t, repo, stream.ID)
	if err := repo.UpdateScheduleStatus(ctx, done.ID, models.ScheduleCompleted); err != nil {
		t.Fatal(err)
	}

	schedules, err := repo.ListOpenSchedules(ctx)
	if err != nil {
		t.Fatalf("list open schedules: %v", err)
	}
	if len(schedules) != 1 || schedules[0].ID != open.ID {
		t.Fatalf("open schedules = %+v, want just %s", schedules, open.ID)
	}
}

func TestChannelCredentialLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	cred, err := repo.UpsertChannelCredential(ctx, models.ChannelCredential{
		ChannelID:    "chan-1",
		ClientID:     "client",
		ClientSecret: "secret",
		AccessToken:  "tok",
		RefreshToken: "refresh",
		TokenExpiry:  expiry,
	})
	if err != nil {
		t.Fatalf("upsert credential: %v", err)
	}
	if !cred.TokenExpiry.Equal(expiry) {
		t.Fatalf("token expiry = %v, want %v", cred.TokenExpiry, expiry)
	}

	// Upserting the same channel updates in place.
	again, err := repo.UpsertChannelCredential(ctx, models.ChannelCredential{
		ChannelID:    "chan-1",
		ClientID:     "client",
		ClientSecret: "secret",
		AccessToken:  "tok-2",
		RefreshToken: "refresh",
		TokenExpiry:  expiry,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.ID != cred.ID || again.AccessToken != "tok-2" {
		t.Fatalf("upsert did not update in place: %+v", again)
	}

	newExpiry := expiry.Add(time.Hour)
	if err := repo.UpdateChannelToken(ctx, cred.ID, "tok-3", newExpiry); err != nil {
		t.Fatalf("update token: %v", err)
	}
	got, err := repo.GetChannelCredential(ctx, "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "tok-3" || !got.TokenExpiry.Equal(newExpiry) || got.NeedsReauth {
		t.Fatalf("after refresh: %+v", got)
	}

	if err := repo.MarkChannelReauth(ctx, cred.ID); err != nil {
		t.Fatalf("mark reauth: %v", err)
	}
	got, err = repo.GetChannelCredential(ctx, "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.NeedsReauth {
		t.Fatal("needs_reauth not set")
	}
}

func TestRecordAndListEvents(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	stream := seedStream(t, repo)

	for _, event := range []string{"stream.started", "stream.stopped"} {
		if err := repo.RecordEvent(ctx, models.StreamEvent{StreamID: stream.ID, Event: event}); err != nil {
			t.Fatalf("record event %s: %v", event, err)
		}
	}
	events, err := repo.ListRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	// Most recent first.
	if events[0].Event != "stream.stopped" {
		t.Fatalf("latest event = %q", events[0].Event)
	}
}
