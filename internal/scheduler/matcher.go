package scheduler

import (
	"time"

	"airtime/internal/models"
)

// occurrence is a concrete run window derived from a schedule rule.
type occurrence struct {
	Schedule models.Schedule
	Start    time.Time
	End      time.Time
}

// currentOccurrence reports the window a schedule occupies at the given
// instant. One-time rules use their absolute start and duration. Recurring
// rules anchor the stored clock time to the current date; a window that
// crosses midnight still matches after midnight as long as the day it began
// on is in the weekday set.
func currentOccurrence(sched models.Schedule, now time.Time) (occurrence, bool) {
	if sched.DurationMinutes <= 0 {
		return occurrence{}, false
	}
	if !sched.Recurring {
		start := sched.StartTime
		end := sched.EndTime()
		if now.Before(start) || !now.Before(end) {
			return occurrence{}, false
		}
		return occurrence{Schedule: sched, Start: start, End: end}, true
	}

	dur := sched.Duration()
	todayStart := anchorClock(sched.StartTime, now)
	if !now.Before(todayStart) && now.Before(todayStart.Add(dur)) && sched.RunsOn(todayStart.Weekday()) {
		return occurrence{Schedule: sched, Start: todayStart, End: todayStart.Add(dur)}, true
	}

	// Tail of a window that started yesterday and runs past midnight.
	yesterdayStart := todayStart.AddDate(0, 0, -1)
	if !now.Before(yesterdayStart) && now.Before(yesterdayStart.Add(dur)) && sched.RunsOn(yesterdayStart.Weekday()) {
		return occurrence{Schedule: sched, Start: yesterdayStart, End: yesterdayStart.Add(dur)}, true
	}
	return occurrence{}, false
}

// nextStart reports the next future start for a schedule, used by the
// broadcast pre-creation pass.
func nextStart(sched models.Schedule, now time.Time) (time.Time, bool) {
	if sched.DurationMinutes <= 0 {
		return time.Time{}, false
	}
	if !sched.Recurring {
		if now.Before(sched.StartTime) {
			return sched.StartTime, true
		}
		return time.Time{}, false
	}
	if len(sched.RecurringDays) == 0 {
		return time.Time{}, false
	}
	candidate := anchorClock(sched.StartTime, now)
	for i := 0; i < 8; i++ {
		if candidate.After(now) && sched.RunsOn(candidate.Weekday()) {
			return candidate, true
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// inPrecreateWindow reports whether a start time falls inside the
// pre-creation lead window [now+min, now+max].
func inPrecreateWindow(start, now time.Time, min, max time.Duration) bool {
	lead := start.Sub(now)
	return lead >= min && lead <= max
}

// dueOccurrences reduces the open schedule set to at most one occurrence per
// stream: the one with the earliest start.
func dueOccurrences(schedules []models.Schedule, now time.Time) map[string]occurrence {
	due := make(map[string]occurrence)
	for _, sched := range schedules {
		occ, ok := currentOccurrence(sched, now)
		if !ok {
			continue
		}
		if best, exists := due[sched.StreamID]; !exists || occ.Start.Before(best.Start) {
			due[sched.StreamID] = occ
		}
	}
	return due
}

// anchorClock projects a stored start time's clock onto the reference date.
func anchorClock(stored, ref time.Time) time.Time {
	stored = stored.In(ref.Location())
	return time.Date(ref.Year(), ref.Month(), ref.Day(),
		stored.Hour(), stored.Minute(), stored.Second(), 0, ref.Location())
}
