package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airtime/internal/broadcast"
	"airtime/internal/events"
	"airtime/internal/models"
	"airtime/internal/store"
)

// precreateTick creates platform broadcasts for occurrences starting inside
// the lead window. Each schedule gets exactly one creation attempt: failures
// are recorded and left for an operator, never retried automatically.
func (s *Scheduler) precreateTick(ctx context.Context) {
	if s.platform == nil {
		return
	}
	now := s.now()
	schedules, err := s.store.ListOpenSchedules(ctx)
	if err != nil {
		s.logger.Error("list open schedules", "error", err)
		return
	}
	for _, sched := range schedules {
		if sched.BroadcastStatus != models.BroadcastPending {
			continue
		}
		start, ok := nextStart(sched, now)
		if !ok || !inPrecreateWindow(start, now, s.cfg.PrecreateMin, s.cfg.PrecreateMax) {
			continue
		}
		claimed, err := s.store.ClaimBroadcastCreation(ctx, sched.ID)
		if err != nil {
			s.logger.Error("claim broadcast creation", "schedule_id", sched.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if _, err := s.createForSchedule(ctx, sched, start); err != nil {
			s.logger.Error("pre-create broadcast", "schedule_id", sched.ID, "error", err)
		}
	}
}

// ForceCreateBroadcast retries broadcast creation for a schedule on operator
// request. It accepts schedules whose automatic attempt failed as well as
// pending ones that missed their window.
func (s *Scheduler) ForceCreateBroadcast(ctx context.Context, scheduleID string) (string, error) {
	if s.platform == nil {
		return "", fmt.Errorf("no broadcast platform configured")
	}
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	switch sched.BroadcastStatus {
	case models.BroadcastReady:
		return "", fmt.Errorf("schedule %s already has broadcast %s", scheduleID, sched.BroadcastID)
	case models.BroadcastPending:
		claimed, err := s.store.ClaimBroadcastCreation(ctx, scheduleID)
		if err != nil {
			return "", err
		}
		if !claimed {
			return "", fmt.Errorf("schedule %s creation already in progress", scheduleID)
		}
	case models.BroadcastFailed:
		// Failed schedules are never touched by the automatic pass, so the
		// operator path may proceed without the claim gate.
	default:
		return "", fmt.Errorf("schedule %s creation already in progress", scheduleID)
	}

	start, ok := nextStart(sched, s.now())
	if !ok {
		start = sched.StartTime
	}
	return s.createForSchedule(ctx, sched, start)
}

// createForSchedule performs one creation attempt for a claimed schedule and
// settles the outcome in the store.
func (s *Scheduler) createForSchedule(ctx context.Context, sched models.Schedule, start time.Time) (string, error) {
	stream, err := s.store.GetStream(ctx, sched.StreamID)
	if err != nil {
		return "", s.failCreation(ctx, sched, fmt.Errorf("load stream: %w", err))
	}
	token, err := s.TokenFor(ctx, stream.ChannelID)
	if err != nil {
		return "", s.failCreation(ctx, sched, fmt.Errorf("channel token: %w", err))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", s.failCreation(ctx, sched, err)
	}

	created, reused, err := s.obtainBroadcast(ctx, token, stream, sched, start)
	if err != nil {
		return "", s.failCreation(ctx, sched, err)
	}

	if err := s.store.SetScheduleBroadcast(ctx, sched.ID, created.ID); err != nil {
		if errors.Is(err, store.ErrAlreadyBound) {
			return "", s.failCreation(ctx, sched, fmt.Errorf("schedule bound to different broadcast: %w", err))
		}
		return "", s.failCreation(ctx, sched, fmt.Errorf("record broadcast: %w", err))
	}
	if _, err := s.store.BindStreamBroadcast(ctx, stream.ID, created.ID); err != nil && !errors.Is(err, store.ErrAlreadyBound) {
		s.logger.Warn("bind stream broadcast", "stream_id", stream.ID, "broadcast_id", created.ID, "error", err)
	}

	s.applyBroadcastExtras(ctx, token, created.ID, stream, sched)

	if reused {
		s.metrics.BroadcastReused()
	} else {
		s.metrics.BroadcastCreated()
	}
	s.publish(ctx, events.Event{
		Type:        events.TypeBroadcastCreated,
		StreamID:    stream.ID,
		ScheduleID:  sched.ID,
		BroadcastID: created.ID,
		ChannelID:   stream.ChannelID,
	})
	s.recordAudit(ctx, stream.ID, sched.ID, "broadcast.created", created.ID)
	s.logger.Info("broadcast ready",
		"schedule_id", sched.ID, "broadcast_id", created.ID,
		"reused", reused, "starts_at", start)
	return created.ID, nil
}

func (s *Scheduler) obtainBroadcast(ctx context.Context, token string, stream models.Stream, sched models.Schedule, start time.Time) (broadcast.Broadcast, bool, error) {
	if s.cfg.ReuseScheduledBroadcasts {
		existing, found, err := s.platform.FindScheduledBroadcast(ctx, token, stream.ChannelID)
		if err != nil {
			s.logger.Warn("look up reusable broadcast", "channel_id", stream.ChannelID, "error", err)
		} else if found {
			return existing, true, nil
		}
	}
	title := sched.Title
	if strings.TrimSpace(title) == "" {
		title = stream.Title
	}
	privacy := sched.Privacy
	if privacy == "" {
		privacy = models.PrivacyPublic
	}
	created, err := s.platform.CreateBroadcast(ctx, token, broadcast.CreateParams{
		ChannelID:      stream.ChannelID,
		StreamKey:      stream.StreamKey,
		Title:          title,
		Description:    stream.Description,
		Privacy:        string(privacy),
		ScheduledStart: start,
	})
	return created, false, err
}

// applyBroadcastExtras sets audience metadata and uploads a thumbnail when
// one can be found. Both are best effort.
func (s *Scheduler) applyBroadcastExtras(ctx context.Context, token, broadcastID string, stream models.Stream, sched models.Schedule) {
	if err := s.platform.SetAudience(ctx, token, broadcastID, broadcast.AudienceParams{}); err != nil {
		s.logger.Warn("set broadcast audience", "broadcast_id", broadcastID, "error", err)
	}
	thumb := resolveThumbnail(sched, stream)
	if thumb == "" {
		return
	}
	if err := s.platform.UploadThumbnail(ctx, token, broadcastID, thumb); err != nil {
		s.logger.Warn("upload broadcast thumbnail", "broadcast_id", broadcastID, "path", thumb, "error", err)
	}
}

// resolveThumbnail picks the first available thumbnail: the schedule's own,
// the stream's, then a sidecar image next to the media source.
func resolveThumbnail(sched models.Schedule, stream models.Stream) string {
	candidates := []string{sched.ThumbnailPath, stream.ThumbnailPath}
	if src := strings.TrimSpace(stream.SourcePath); src != "" {
		base := strings.TrimSuffix(src, filepath.Ext(src))
		candidates = append(candidates, base+".jpg", base+".png")
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// failCreation settles a failed attempt: broadcast status goes to failed with
// the error preserved for the operator.
func (s *Scheduler) failCreation(ctx context.Context, sched models.Schedule, cause error) error {
	if err := s.store.SetScheduleBroadcastError(ctx, sched.ID, cause.Error()); err != nil {
		s.logger.Error("record broadcast error", "schedule_id", sched.ID, "error", err)
	}
	s.metrics.BroadcastFailed()
	s.publish(ctx, events.Event{
		Type:       events.TypeBroadcastFailed,
		StreamID:   sched.StreamID,
		ScheduleID: sched.ID,
		Detail:     cause.Error(),
	})
	s.recordAudit(ctx, sched.StreamID, sched.ID, "broadcast.failed", cause.Error())
	return cause
}

// createBroadcastNow is the inline fallback used when a stream reaches its
// start without a pre-created broadcast. It returns an empty id on failure;
// streaming proceeds regardless.
func (s *Scheduler) createBroadcastNow(ctx context.Context, stream models.Stream, sched models.Schedule, start time.Time) string {
	if s.platform == nil {
		return ""
	}
	claimed, err := s.store.ClaimBroadcastCreation(ctx, sched.ID)
	if err != nil || !claimed {
		return ""
	}
	id, err := s.createForSchedule(ctx, sched, start)
	if err != nil {
		s.logger.Warn("inline broadcast creation failed", "schedule_id", sched.ID, "error", err)
		return ""
	}
	return id
}
