package scheduler

import (
	"context"

	"airtime/internal/models"
)

// reconcile repairs persisted state on startup. Any stream recorded as live
// or stopping belongs to a previous process and is reset; schedules stuck in
// transient states are settled so the matcher can pick them up again.
func (s *Scheduler) reconcile(ctx context.Context) error {
	reset, err := s.store.ResetActiveStreams(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		s.logger.Warn("reset streams left active by a previous run", "count", reset)
	}

	schedules, err := s.store.ListOpenSchedules(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, sched := range schedules {
		if sched.Status == models.ScheduleExecuting {
			next := models.SchedulePending
			if !sched.Recurring && !now.Before(sched.EndTime()) {
				next = models.ScheduleCompleted
			}
			if err := s.store.UpdateScheduleStatus(ctx, sched.ID, next); err != nil {
				s.logger.Error("settle interrupted schedule", "schedule_id", sched.ID, "error", err)
			} else {
				s.logger.Info("settled interrupted schedule", "schedule_id", sched.ID, "status", next)
			}
		}
		// A creation claimed but never settled means the process died mid
		// call. The platform may or may not hold a broadcast, so the
		// outcome is left to an operator rather than retried blindly.
		if sched.BroadcastStatus == models.BroadcastCreating {
			if err := s.store.SetScheduleBroadcastError(ctx, sched.ID, "creation interrupted by restart"); err != nil {
				s.logger.Error("settle interrupted broadcast creation", "schedule_id", sched.ID, "error", err)
			} else {
				s.logger.Warn("broadcast creation interrupted by restart", "schedule_id", sched.ID)
			}
		}

		if sched.BroadcastID != "" {
			s.repairBinding(ctx, sched)
		}
	}
	return nil
}

// repairBinding checks the two halves of a broadcast binding against each
// other. A schedule holding a broadcast its stream never received means the
// second write of the bind was lost; that one is safe to replay. Two
// different non-empty ids are not: bindings are write-once, so the conflict
// is only reported.
func (s *Scheduler) repairBinding(ctx context.Context, sched models.Schedule) {
	stream, err := s.store.GetStream(ctx, sched.StreamID)
	if err != nil {
		s.logger.Error("load stream for binding check", "stream_id", sched.StreamID, "error", err)
		return
	}
	switch {
	case stream.BroadcastID == "":
		bound, err := s.store.BindStreamBroadcast(ctx, stream.ID, sched.BroadcastID)
		if err != nil {
			s.logger.Error("repair stream binding", "stream_id", stream.ID, "broadcast_id", sched.BroadcastID, "error", err)
			return
		}
		if bound {
			s.logger.Warn("repaired missing stream binding",
				"stream_id", stream.ID, "schedule_id", sched.ID, "broadcast_id", sched.BroadcastID)
		}
	case stream.BroadcastID != sched.BroadcastID:
		s.logger.Error("conflicting broadcast bindings",
			"stream_id", stream.ID, "stream_broadcast", stream.BroadcastID,
			"schedule_id", sched.ID, "schedule_broadcast", sched.BroadcastID)
	}
}
