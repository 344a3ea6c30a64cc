package models

import (
	"strings"
	"time"
)

// StreamStatus describes where a stream sits in its lifecycle.
type StreamStatus string

const (
	StreamOffline   StreamStatus = "offline"
	StreamScheduled StreamStatus = "scheduled"
	StreamLive      StreamStatus = "live"
	StreamStopping  StreamStatus = "stopping"
	StreamError     StreamStatus = "error"
)

// ParseStreamStatus normalizes a stored status string, defaulting to offline
// for unknown values so a corrupted row never wedges the scheduler.
func ParseStreamStatus(raw string) StreamStatus {
	switch StreamStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StreamScheduled:
		return StreamScheduled
	case StreamLive:
		return StreamLive
	case StreamStopping:
		return StreamStopping
	case StreamError:
		return StreamError
	default:
		return StreamOffline
	}
}

// Stream is a configured channel output: a media source pushed to a platform
// ingest endpoint on a schedule.
type Stream struct {
	ID               string
	ChannelID        string
	Title            string
	Description      string
	SourcePath       string
	IngestURL        string
	StreamKey        string
	Loop             bool
	Encode           bool
	ThumbnailPath    string
	Status           StreamStatus
	BroadcastID      string
	ActiveScheduleID string
	ScheduledEnd     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScheduleStatus tracks the execution state of a schedule occurrence.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleExecuting ScheduleStatus = "executing"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

// BroadcastStatus tracks platform broadcast creation separately from schedule
// execution. The pending->creating transition is the single-writer gate.
type BroadcastStatus string

const (
	BroadcastPending  BroadcastStatus = "pending"
	BroadcastCreating BroadcastStatus = "creating"
	BroadcastReady    BroadcastStatus = "ready"
	BroadcastFailed   BroadcastStatus = "failed"
)

// Privacy is the platform visibility applied to pre-created broadcasts.
type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

// Schedule is one occurrence rule for a stream. One-time rules fire once at
// StartTime; recurring rules fire on every listed weekday at StartTime's
// time of day.
type Schedule struct {
	ID              string
	StreamID        string
	StartTime       time.Time
	DurationMinutes int
	Recurring       bool
	RecurringDays   []time.Weekday
	Status          ScheduleStatus
	BroadcastStatus BroadcastStatus
	BroadcastID     string
	BroadcastError  string
	Privacy         Privacy
	Title           string
	ThumbnailPath   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Duration returns the occurrence length as a time.Duration.
func (s Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// EndTime reports the absolute end of a one-time occurrence. Recurring
// occurrences are re-anchored at match time and do not use this value.
func (s Schedule) EndTime() time.Time {
	return s.StartTime.Add(s.Duration())
}

// RunsOn reports whether the recurring rule includes the provided weekday.
func (s Schedule) RunsOn(day time.Weekday) bool {
	for _, d := range s.RecurringDays {
		if d == day {
			return true
		}
	}
	return false
}

// EncodeRecurringDays renders the weekday set as the CSV form stored in the
// database (0=Sunday .. 6=Saturday), preserving order.
func EncodeRecurringDays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, string(rune('0'+int(d))))
	}
	return strings.Join(parts, ",")
}

// DecodeRecurringDays parses the stored CSV weekday set, silently dropping
// malformed entries.
func DecodeRecurringDays(raw string) []time.Weekday {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if len(part) != 1 || part[0] < '0' || part[0] > '6' {
			continue
		}
		days = append(days, time.Weekday(part[0]-'0'))
	}
	if len(days) == 0 {
		return nil
	}
	return days
}

// ChannelCredential holds per-channel OAuth2 state used to talk to the
// broadcast platform on the channel owner's behalf.
type ChannelCredential struct {
	ID           string
	ChannelID    string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	NeedsReauth  bool
	UpdatedAt    time.Time
}

// Configured reports whether the channel carries usable client credentials.
// Channels without them are skipped by the refresh loop.
func (c ChannelCredential) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// StreamEvent is an append-only audit row recorded for lifecycle changes.
type StreamEvent struct {
	ID         int64
	StreamID   string
	ScheduleID string
	Event      string
	Detail     string
	CreatedAt  time.Time
}
