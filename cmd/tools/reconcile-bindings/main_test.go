package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"airtime/internal/models"
	"airtime/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close(context.Background()) })
	return repo
}

func seed(t *testing.T, repo store.Repository) (models.Stream, models.Schedule) {
	t.Helper()
	ctx := context.Background()
	stream, err := repo.CreateStream(ctx, models.Stream{
		ChannelID:  "chan-1",
		Title:      "Overnight Replay",
		SourcePath: "/media/replay.mp4",
		IngestURL:  "rtmp://ingest.example/live",
		StreamKey:  "key",
	})
	if err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	sched, err := repo.CreateSchedule(ctx, models.Schedule{
		StreamID:        stream.ID,
		StartTime:       time.Now().UTC().Add(time.Hour),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return stream, sched
}

func TestReconcileSettlesStuckClaims(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, sched := seed(t, repo)

	claimed, err := repo.ClaimBroadcastCreation(ctx, sched.ID)
	if err != nil || !claimed {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	report, err := reconcile(ctx, repo, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.stuckClaims != 1 {
		t.Fatalf("stuckClaims = %d, want 1", report.stuckClaims)
	}

	got, err := repo.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.BroadcastStatus != models.BroadcastFailed {
		t.Fatalf("broadcast status = %s, want failed", got.BroadcastStatus)
	}
}

func TestReconcileRestoresMissingStreamBinding(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	stream, sched := seed(t, repo)

	if _, err := repo.ClaimBroadcastCreation(ctx, sched.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.SetScheduleBroadcast(ctx, sched.ID, "bc-77"); err != nil {
		t.Fatalf("set broadcast: %v", err)
	}

	report, err := reconcile(ctx, repo, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.missingBindings != 1 {
		t.Fatalf("missingBindings = %d, want 1", report.missingBindings)
	}

	got, err := repo.GetStream(ctx, stream.ID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.BroadcastID != "bc-77" {
		t.Fatalf("stream broadcast = %q, want bc-77", got.BroadcastID)
	}
}

func TestReconcileDryRunLeavesStateAlone(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	stream, sched := seed(t, repo)

	if _, err := repo.ClaimBroadcastCreation(ctx, sched.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := reconcile(ctx, repo, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.stuckClaims != 1 {
		t.Fatalf("stuckClaims = %d, want 1", report.stuckClaims)
	}

	got, err := repo.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.BroadcastStatus != models.BroadcastCreating {
		t.Fatalf("broadcast status = %s, want creating untouched", got.BroadcastStatus)
	}
	if _, err := repo.GetStream(ctx, stream.ID); err != nil {
		t.Fatalf("get stream: %v", err)
	}
}

func TestReconcileFlagsConflictingBindings(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	stream, sched := seed(t, repo)

	if _, err := repo.ClaimBroadcastCreation(ctx, sched.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.SetScheduleBroadcast(ctx, sched.ID, "bc-1"); err != nil {
		t.Fatalf("set broadcast: %v", err)
	}
	if _, err := repo.BindStreamBroadcast(ctx, stream.ID, "bc-2"); err != nil {
		t.Fatalf("bind stream: %v", err)
	}

	report, err := reconcile(ctx, repo, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", report.conflicts)
	}
}
