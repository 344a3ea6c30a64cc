package scheduler

import (
	"context"
	"fmt"
	"time"

	"airtime/internal/events"
	"airtime/internal/models"
	"airtime/internal/transcode"
)

// matchTick evaluates every open schedule against the clock, stops streams
// whose window has ended, and starts streams whose window is open.
func (s *Scheduler) matchTick(ctx context.Context) {
	now := s.now()
	schedules, err := s.store.ListOpenSchedules(ctx)
	if err != nil {
		s.logger.Error("list open schedules", "error", err)
		return
	}
	due := dueOccurrences(schedules, now)

	s.mu.Lock()
	var expired []*activeStream
	for _, entry := range s.active {
		if !entry.end.After(now) {
			expired = append(expired, entry)
		}
	}
	s.mu.Unlock()
	for _, entry := range expired {
		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamStopTimeout)
		if err := s.stopStream(stopCtx, entry, "schedule ended"); err != nil {
			s.logger.Error("stop expired stream", "stream_id", entry.streamID, "error", err)
		}
		cancel()
	}

	matched := 0
	for streamID, occ := range due {
		if _, running := s.lookupActive(streamID); running {
			continue
		}
		if err := s.startStream(ctx, occ); err != nil {
			s.logger.Error("start stream", "stream_id", streamID, "schedule_id", occ.Schedule.ID, "error", err)
			continue
		}
		matched++
	}
	s.metrics.MatchTick(matched)

	s.repairStalePointers(ctx)
}

// repairStalePointers clears active schedule pointers left on streams that no
// longer have a running process. A pointer on a non-live stream means a
// settlement write was lost somewhere; the next match pass should not see it.
func (s *Scheduler) repairStalePointers(ctx context.Context) {
	streams, err := s.store.ListStreams(ctx)
	if err != nil {
		s.logger.Error("list streams for pointer repair", "error", err)
		return
	}
	for _, stream := range streams {
		if stream.ActiveScheduleID == "" {
			continue
		}
		if stream.Status == models.StreamLive || stream.Status == models.StreamStopping {
			continue
		}
		if _, running := s.lookupActive(stream.ID); running {
			continue
		}
		if err := s.store.ClearActiveSchedule(ctx, stream.ID); err != nil {
			s.logger.Error("clear stale schedule pointer", "stream_id", stream.ID, "error", err)
			continue
		}
		s.logger.Warn("cleared stale schedule pointer", "stream_id", stream.ID, "schedule_id", stream.ActiveScheduleID)
	}
}

// startStream launches the streaming process for a matched occurrence and
// records the transition. A missing broadcast is resolved inline as a best
// effort; streaming proceeds without one.
func (s *Scheduler) startStream(ctx context.Context, occ occurrence) error {
	sched := occ.Schedule
	stream, err := s.store.GetStream(ctx, sched.StreamID)
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}
	if stream.Status == models.StreamLive || stream.Status == models.StreamStopping {
		return nil
	}

	broadcastID := sched.BroadcastID
	if broadcastID == "" && sched.BroadcastStatus == models.BroadcastPending {
		broadcastID = s.createBroadcastNow(ctx, stream, sched, occ.Start)
	}

	proc, err := s.runner.Start(ctx, transcode.Spec{
		StreamID:  stream.ID,
		Input:     stream.SourcePath,
		Loop:      stream.Loop,
		Encode:    stream.Encode,
		IngestURL: stream.IngestURL,
		StreamKey: stream.StreamKey,
	})
	if err != nil {
		s.metrics.StreamFailed()
		if !sched.Recurring {
			if statusErr := s.store.UpdateScheduleStatus(ctx, sched.ID, models.ScheduleFailed); statusErr != nil {
				s.logger.Error("mark schedule failed", "schedule_id", sched.ID, "error", statusErr)
			}
		}
		if statusErr := s.store.UpdateStreamStatus(ctx, stream.ID, models.StreamError); statusErr != nil {
			s.logger.Error("mark stream errored", "stream_id", stream.ID, "error", statusErr)
		}
		return fmt.Errorf("start process: %w", err)
	}

	if err := s.store.UpdateScheduleStatus(ctx, sched.ID, models.ScheduleExecuting); err != nil {
		s.logger.Error("mark schedule executing", "schedule_id", sched.ID, "error", err)
	}
	if err := s.store.SetActiveSchedule(ctx, stream.ID, sched.ID, occ.End); err != nil {
		s.logger.Error("set active schedule", "stream_id", stream.ID, "error", err)
	}
	if err := s.store.UpdateStreamStatus(ctx, stream.ID, models.StreamLive); err != nil {
		s.logger.Error("mark stream live", "stream_id", stream.ID, "error", err)
	}

	entry := &activeStream{
		streamID:    stream.ID,
		scheduleID:  sched.ID,
		channelID:   stream.ChannelID,
		broadcastID: broadcastID,
		recurring:   sched.Recurring,
		process:     proc,
		end:         occ.End,
	}
	s.mu.Lock()
	s.active[stream.ID] = entry
	s.mu.Unlock()

	s.metrics.StreamStarted()
	s.publish(ctx, events.Event{
		Type:        events.TypeStreamStarted,
		StreamID:    stream.ID,
		ScheduleID:  sched.ID,
		BroadcastID: broadcastID,
		ChannelID:   stream.ChannelID,
	})
	s.recordAudit(ctx, stream.ID, sched.ID, "stream.started", "")
	s.logger.Info("stream started",
		"stream_id", stream.ID, "schedule_id", sched.ID,
		"broadcast_id", broadcastID, "ends_at", occ.End)

	s.transitionBroadcast(entry, "live")
	go s.watchExit(entry)
	return nil
}

// watchExit handles processes that end on their own, before the matcher or a
// stop request gets to them.
func (s *Scheduler) watchExit(entry *activeStream) {
	<-entry.process.Done()
	if !s.removeActive(entry) {
		return
	}
	procErr := entry.process.Err()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.finish(ctx, entry, "process exited", procErr)
}

// StopStreamByID stops a running stream on operator request.
func (s *Scheduler) StopStreamByID(ctx context.Context, streamID string) error {
	entry, ok := s.lookupActive(streamID)
	if !ok {
		return fmt.Errorf("stream %s is not running", streamID)
	}
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamStopTimeout)
	defer cancel()
	return s.stopStream(stopCtx, entry, "operator request")
}

// stopStream takes a stream down deliberately: the process gets a SIGTERM
// with a bounded kill escalation, then state is settled.
func (s *Scheduler) stopStream(ctx context.Context, entry *activeStream, reason string) error {
	if !s.removeActive(entry) {
		return nil
	}
	if err := s.store.UpdateStreamStatus(ctx, entry.streamID, models.StreamStopping); err != nil {
		s.logger.Error("mark stream stopping", "stream_id", entry.streamID, "error", err)
	}
	stopErr := entry.process.Stop(s.cfg.ProcessStopTimeout)
	if stopErr != nil {
		s.logger.Warn("process stop escalated", "stream_id", entry.streamID, "error", stopErr)
	}
	s.finish(ctx, entry, reason, nil)
	return nil
}

// finish settles schedule and stream state after the process is gone. It
// runs at most once per active entry, whichever path gets there first.
func (s *Scheduler) finish(ctx context.Context, entry *activeStream, reason string, procErr error) {
	entry.finishOnce.Do(func() {
		next := models.ScheduleCompleted
		if entry.recurring {
			next = models.SchedulePending
		} else if procErr != nil {
			next = models.ScheduleFailed
		}
		if err := s.store.UpdateScheduleStatus(ctx, entry.scheduleID, next); err != nil {
			s.logger.Error("settle schedule status", "schedule_id", entry.scheduleID, "error", err)
		}
		if err := s.store.ClearActiveSchedule(ctx, entry.streamID); err != nil {
			s.logger.Error("clear active schedule", "stream_id", entry.streamID, "error", err)
		}
		status := models.StreamOffline
		if procErr != nil {
			status = models.StreamError
		} else if s.hasUpcomingSchedule(ctx, entry.streamID) {
			status = models.StreamScheduled
		}
		if err := s.store.UpdateStreamStatus(ctx, entry.streamID, status); err != nil {
			s.logger.Error("settle stream status", "stream_id", entry.streamID, "error", err)
		}

		detail := reason
		if procErr != nil {
			detail = fmt.Sprintf("%s: %v", reason, procErr)
			s.metrics.StreamFailed()
		} else {
			s.metrics.StreamStopped()
		}
		s.publish(ctx, events.Event{
			Type:        events.TypeStreamStopped,
			StreamID:    entry.streamID,
			ScheduleID:  entry.scheduleID,
			BroadcastID: entry.broadcastID,
			ChannelID:   entry.channelID,
			Detail:      detail,
		})
		s.recordAudit(ctx, entry.streamID, entry.scheduleID, "stream.stopped", detail)
		s.logger.Info("stream stopped", "stream_id", entry.streamID, "schedule_id", entry.scheduleID, "reason", detail)

		s.transitionBroadcast(entry, "complete")
	})
}

// hasUpcomingSchedule reports whether another occurrence is still ahead of
// the stream, which keeps its status at scheduled instead of offline.
func (s *Scheduler) hasUpcomingSchedule(ctx context.Context, streamID string) bool {
	schedules, err := s.store.ListSchedulesByStream(ctx, streamID)
	if err != nil {
		s.logger.Warn("list schedules for status settlement", "stream_id", streamID, "error", err)
		return false
	}
	now := s.now()
	for _, sched := range schedules {
		if sched.Status != models.SchedulePending {
			continue
		}
		if _, ok := nextStart(sched, now); ok {
			return true
		}
	}
	return false
}

// transitionBroadcast nudges the platform broadcast into the given state in
// the background. Failures are logged; the stream lifecycle never waits on
// the platform.
func (s *Scheduler) transitionBroadcast(entry *activeStream, state string) {
	if s.platform == nil || entry.broadcastID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := s.TokenFor(ctx, entry.channelID)
		if err != nil {
			s.logger.Warn("broadcast transition skipped", "broadcast_id", entry.broadcastID, "state", state, "error", err)
			return
		}
		if err := s.platform.TransitionBroadcast(ctx, token, entry.broadcastID, state); err != nil {
			s.logger.Warn("broadcast transition failed", "broadcast_id", entry.broadcastID, "state", state, "error", err)
		}
	}()
}

// removeActive unregisters the entry if it is still the stream's current one.
func (s *Scheduler) removeActive(entry *activeStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.active[entry.streamID]
	if !ok || current != entry {
		return false
	}
	delete(s.active, entry.streamID)
	return true
}

func (s *Scheduler) recordAudit(ctx context.Context, streamID, scheduleID, event, detail string) {
	err := s.store.RecordEvent(ctx, models.StreamEvent{
		StreamID:   streamID,
		ScheduleID: scheduleID,
		Event:      event,
		Detail:     detail,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("record audit event", "event", event, "stream_id", streamID, "error", err)
	}
}
