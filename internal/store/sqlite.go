package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"airtime/internal/models"
)

const streamColumns = `id, channel_id, title, description, source_path, ingest_url, stream_key,
	loop_playback, reencode, thumbnail_path, status, broadcast_id, active_schedule_id,
	scheduled_end, created_at, updated_at`

const scheduleColumns = `id, stream_id, start_time, duration_minutes, recurring, recurring_days,
	status, broadcast_status, broadcast_id, broadcast_error, privacy, title, thumbnail_path,
	created_at, updated_at`

const credentialColumns = `id, channel_id, client_id, client_secret, access_token, refresh_token,
	token_expiry, needs_reauth, updated_at`

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if necessary) a SQLite-backed
// repository at the provided path and applies pending migrations.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	cfg := newConfig(opts...)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access through a single connection.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Close(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.db.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (r *sqliteRepository) CreateStream(ctx context.Context, stream models.Stream) (models.Stream, error) {
	if strings.TrimSpace(stream.Title) == "" {
		return models.Stream{}, fmt.Errorf("stream title required")
	}
	if strings.TrimSpace(stream.SourcePath) == "" {
		return models.Stream{}, fmt.Errorf("stream source path required")
	}
	if stream.ID == "" {
		stream.ID = uuid.NewString()
	}
	if stream.Status == "" {
		stream.Status = models.StreamOffline
	}
	now := time.Now().UTC()
	stream.CreatedAt = now
	stream.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO streams (id, channel_id, title, description, source_path, ingest_url, stream_key,
			loop_playback, reencode, thumbnail_path, status, broadcast_id, active_schedule_id,
			scheduled_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stream.ID, stream.ChannelID, stream.Title, stream.Description, stream.SourcePath,
		stream.IngestURL, stream.StreamKey, stream.Loop, stream.Encode, stream.ThumbnailPath,
		string(stream.Status), stream.BroadcastID, stream.ActiveScheduleID,
		nullableTime(stream.ScheduledEnd), stream.CreatedAt, stream.UpdatedAt,
	)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *sqliteRepository) GetStream(ctx context.Context, id string) (models.Stream, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = ?", id)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stream{}, ErrNotFound
	}
	return stream, err
}

func (r *sqliteRepository) ListStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+streamColumns+" FROM streams ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (r *sqliteRepository) ListStreamsByStatus(ctx context.Context, status models.StreamStatus) ([]models.Stream, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE status = ? ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("list streams by status: %w", err)
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (r *sqliteRepository) UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE streams SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) SetActiveSchedule(ctx context.Context, streamID, scheduleID string, end time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE streams SET active_schedule_id = ?, scheduled_end = ?, updated_at = ? WHERE id = ?",
		scheduleID, end.UTC(), time.Now().UTC(), streamID)
	if err != nil {
		return fmt.Errorf("set active schedule: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) ClearActiveSchedule(ctx context.Context, streamID string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE streams SET active_schedule_id = '', scheduled_end = NULL, updated_at = ? WHERE id = ?",
		time.Now().UTC(), streamID)
	if err != nil {
		return fmt.Errorf("clear active schedule: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) BindStreamBroadcast(ctx context.Context, streamID, broadcastID string) (bool, error) {
	if strings.TrimSpace(broadcastID) == "" {
		return false, fmt.Errorf("broadcast id required")
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE streams SET broadcast_id = ?, updated_at = ? WHERE id = ? AND broadcast_id = ''",
		broadcastID, time.Now().UTC(), streamID)
	if err != nil {
		return false, fmt.Errorf("bind stream broadcast: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	stream, err := r.GetStream(ctx, streamID)
	if err != nil {
		return false, err
	}
	if stream.BroadcastID == broadcastID {
		return false, nil
	}
	return false, ErrAlreadyBound
}

func (r *sqliteRepository) ResetActiveStreams(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE streams
		SET status = 'offline', active_schedule_id = '', scheduled_end = NULL, updated_at = ?
		WHERE status IN ('live', 'stopping')`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset active streams: %w", err)
	}
	return result.RowsAffected()
}

func (r *sqliteRepository) CreateSchedule(ctx context.Context, schedule models.Schedule) (models.Schedule, error) {
	if strings.TrimSpace(schedule.StreamID) == "" {
		return models.Schedule{}, fmt.Errorf("schedule stream id required")
	}
	if schedule.DurationMinutes <= 0 {
		return models.Schedule{}, fmt.Errorf("schedule duration must be positive")
	}
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	if schedule.Status == "" {
		schedule.Status = models.SchedulePending
	}
	if schedule.BroadcastStatus == "" {
		schedule.BroadcastStatus = models.BroadcastPending
	}
	if schedule.Privacy == "" {
		schedule.Privacy = models.PrivacyPublic
	}
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, stream_id, start_time, duration_minutes, recurring, recurring_days,
			status, broadcast_status, broadcast_id, broadcast_error, privacy, title, thumbnail_path,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.StreamID, schedule.StartTime.UTC(), schedule.DurationMinutes,
		schedule.Recurring, models.EncodeRecurringDays(schedule.RecurringDays),
		string(schedule.Status), string(schedule.BroadcastStatus), schedule.BroadcastID,
		schedule.BroadcastError, string(schedule.Privacy), schedule.Title, schedule.ThumbnailPath,
		schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return schedule, nil
}

func (r *sqliteRepository) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Schedule{}, ErrNotFound
	}
	return schedule, err
}

func (r *sqliteRepository) ListSchedulesByStream(ctx context.Context, streamID string) ([]models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE stream_id = ? ORDER BY start_time", streamID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepository) ListOpenSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE status IN ('pending', 'executing') ORDER BY start_time")
	if err != nil {
		return nil, fmt.Errorf("list open schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepository) ClaimBroadcastCreation(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET broadcast_status = 'creating', updated_at = ?
		WHERE id = ? AND broadcast_status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim broadcast creation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *sqliteRepository) SetScheduleBroadcast(ctx context.Context, id, broadcastID string) error {
	if strings.TrimSpace(broadcastID) == "" {
		return fmt.Errorf("broadcast id required")
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET broadcast_id = ?, broadcast_status = 'ready', broadcast_error = '', updated_at = ?
		WHERE id = ? AND broadcast_id = ''`,
		broadcastID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule broadcast: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	schedule, err := r.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if schedule.BroadcastID == broadcastID {
		return nil
	}
	return ErrAlreadyBound
}

func (r *sqliteRepository) SetScheduleBroadcastError(ctx context.Context, id, message string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE schedules SET broadcast_status = 'failed', broadcast_error = ?, updated_at = ? WHERE id = ?",
		message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule broadcast error: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) UpdateScheduleStatus(ctx context.Context, id string, status models.ScheduleStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) UpsertChannelCredential(ctx context.Context, cred models.ChannelCredential) (models.ChannelCredential, error) {
	if strings.TrimSpace(cred.ChannelID) == "" {
		return models.ChannelCredential{}, fmt.Errorf("channel id required")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_credentials (id, channel_id, client_id, client_secret, access_token,
			refresh_token, token_expiry, needs_reauth, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			needs_reauth = excluded.needs_reauth,
			updated_at = excluded.updated_at`,
		cred.ID, cred.ChannelID, cred.ClientID, cred.ClientSecret, cred.AccessToken,
		cred.RefreshToken, nullableTimeValue(cred.TokenExpiry), cred.NeedsReauth, cred.UpdatedAt,
	)
	if err != nil {
		return models.ChannelCredential{}, fmt.Errorf("upsert credential: %w", err)
	}
	return r.GetChannelCredential(ctx, cred.ChannelID)
}

func (r *sqliteRepository) ListChannelCredentials(ctx context.Context) ([]models.ChannelCredential, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+credentialColumns+" FROM channel_credentials ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	return collectCredentials(rows)
}

func (r *sqliteRepository) GetChannelCredential(ctx context.Context, channelID string) (models.ChannelCredential, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+credentialColumns+" FROM channel_credentials WHERE channel_id = ?", channelID)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChannelCredential{}, ErrNotFound
	}
	return cred, err
}

func (r *sqliteRepository) UpdateChannelToken(ctx context.Context, id, accessToken string, expiry time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE channel_credentials
		SET access_token = ?, token_expiry = ?, needs_reauth = 0, updated_at = ?
		WHERE id = ?`,
		accessToken, expiry.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update channel token: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) MarkChannelReauth(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE channel_credentials SET needs_reauth = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark channel reauth: %w", err)
	}
	return requireRow(result)
}

func (r *sqliteRepository) RecordEvent(ctx context.Context, event models.StreamEvent) error {
	if strings.TrimSpace(event.Event) == "" {
		return fmt.Errorf("event type required")
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stream_events (stream_id, schedule_id, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.StreamID, event.ScheduleID, event.Event, event.Detail, created.UTC())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (r *sqliteRepository) ListRecentEvents(ctx context.Context, limit int) ([]models.StreamEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, stream_id, schedule_id, event, detail, created_at
		FROM stream_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.StreamEvent
	for rows.Next() {
		var event models.StreamEvent
		if err := rows.Scan(&event.ID, &event.StreamID, &event.ScheduleID, &event.Event, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanStream(rs rowScanner) (models.Stream, error) {
	var (
		stream    models.Stream
		status    string
		scheduled sql.NullTime
	)
	err := rs.Scan(
		&stream.ID, &stream.ChannelID, &stream.Title, &stream.Description, &stream.SourcePath,
		&stream.IngestURL, &stream.StreamKey, &stream.Loop, &stream.Encode, &stream.ThumbnailPath,
		&status, &stream.BroadcastID, &stream.ActiveScheduleID, &scheduled,
		&stream.CreatedAt, &stream.UpdatedAt,
	)
	if err != nil {
		return models.Stream{}, err
	}
	stream.Status = models.ParseStreamStatus(status)
	if scheduled.Valid {
		end := scheduled.Time.UTC()
		stream.ScheduledEnd = &end
	}
	stream.CreatedAt = stream.CreatedAt.UTC()
	stream.UpdatedAt = stream.UpdatedAt.UTC()
	return stream, nil
}

func collectStreams(rows *sql.Rows) ([]models.Stream, error) {
	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	return streams, rows.Err()
}

func scanSchedule(rs rowScanner) (models.Schedule, error) {
	var (
		schedule        models.Schedule
		days            string
		status          string
		broadcastStatus string
		privacy         string
	)
	err := rs.Scan(
		&schedule.ID, &schedule.StreamID, &schedule.StartTime, &schedule.DurationMinutes,
		&schedule.Recurring, &days, &status, &broadcastStatus, &schedule.BroadcastID,
		&schedule.BroadcastError, &privacy, &schedule.Title, &schedule.ThumbnailPath,
		&schedule.CreatedAt, &schedule.UpdatedAt,
	)
	if err != nil {
		return models.Schedule{}, err
	}
	schedule.RecurringDays = models.DecodeRecurringDays(days)
	schedule.Status = models.ScheduleStatus(status)
	schedule.BroadcastStatus = models.BroadcastStatus(broadcastStatus)
	schedule.Privacy = models.Privacy(privacy)
	schedule.StartTime = schedule.StartTime.UTC()
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()
	return schedule, nil
}

func collectSchedules(rows *sql.Rows) ([]models.Schedule, error) {
	var schedules []models.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

func scanCredential(rs rowScanner) (models.ChannelCredential, error) {
	var (
		cred   models.ChannelCredential
		expiry sql.NullTime
	)
	err := rs.Scan(
		&cred.ID, &cred.ChannelID, &cred.ClientID, &cred.ClientSecret, &cred.AccessToken,
		&cred.RefreshToken, &expiry, &cred.NeedsReauth, &cred.UpdatedAt,
	)
	if err != nil {
		return models.ChannelCredential{}, err
	}
	if expiry.Valid {
		cred.TokenExpiry = expiry.Time.UTC()
	}
	cred.UpdatedAt = cred.UpdatedAt.UTC()
	return cred, nil
}

func collectCredentials(rows *sql.Rows) ([]models.ChannelCredential, error) {
	var creds []models.ChannelCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}
