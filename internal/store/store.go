// Package store persists streams, schedules, and channel credentials behind
// a Repository interface with SQLite and Postgres drivers.
package store

import (
	"context"
	"errors"
	"time"

	"airtime/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyBound is returned when a write-once broadcast binding would be
// overwritten with a different broadcast id.
var ErrAlreadyBound = errors.New("store: broadcast already bound")

// Repository is the persistence surface used by the scheduler, the operator
// API, and the reconcile tooling. All timestamps are stored in UTC.
type Repository interface {
	CreateStream(ctx context.Context, stream models.Stream) (models.Stream, error)
	GetStream(ctx context.Context, id string) (models.Stream, error)
	ListStreams(ctx context.Context) ([]models.Stream, error)
	ListStreamsByStatus(ctx context.Context, status models.StreamStatus) ([]models.Stream, error)
	UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error
	// SetActiveSchedule points the stream at its currently executing schedule
	// and records the absolute end time enforced by the duration check.
	SetActiveSchedule(ctx context.Context, streamID, scheduleID string, end time.Time) error
	ClearActiveSchedule(ctx context.Context, streamID string) error
	// BindStreamBroadcast sets the stream's broadcast id only when no binding
	// exists yet. It reports whether the write landed; an existing identical
	// binding reports false with a nil error.
	BindStreamBroadcast(ctx context.Context, streamID, broadcastID string) (bool, error)
	// ResetActiveStreams flips live and stopping rows back to offline and
	// clears their active schedule pointers. Used on shutdown and on boot
	// after a crash.
	ResetActiveStreams(ctx context.Context) (int64, error)

	CreateSchedule(ctx context.Context, schedule models.Schedule) (models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListSchedulesByStream(ctx context.Context, streamID string) ([]models.Schedule, error)
	// ListOpenSchedules returns schedules still eligible for matching:
	// status pending or executing.
	ListOpenSchedules(ctx context.Context) ([]models.Schedule, error)
	// ClaimBroadcastCreation performs the pending->creating broadcast status
	// transition. Exactly one caller per schedule wins; the rest observe false.
	ClaimBroadcastCreation(ctx context.Context, id string) (bool, error)
	// SetScheduleBroadcast records the created broadcast id and marks the
	// broadcast status ready. The binding is write-once: rebinding to a
	// different id fails with ErrAlreadyBound.
	SetScheduleBroadcast(ctx context.Context, id, broadcastID string) error
	SetScheduleBroadcastError(ctx context.Context, id, message string) error
	UpdateScheduleStatus(ctx context.Context, id string, status models.ScheduleStatus) error

	UpsertChannelCredential(ctx context.Context, cred models.ChannelCredential) (models.ChannelCredential, error)
	ListChannelCredentials(ctx context.Context) ([]models.ChannelCredential, error)
	GetChannelCredential(ctx context.Context, channelID string) (models.ChannelCredential, error)
	UpdateChannelToken(ctx context.Context, id, accessToken string, expiry time.Time) error
	MarkChannelReauth(ctx context.Context, id string) error

	RecordEvent(ctx context.Context, event models.StreamEvent) error
	ListRecentEvents(ctx context.Context, limit int) ([]models.StreamEvent, error)

	Close(ctx context.Context) error
}

// rowScanner lets both database/sql and pgx rows share scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}
