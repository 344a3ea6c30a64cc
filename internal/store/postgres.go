package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"airtime/internal/models"
)

type postgresRepository struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgresRepository opens a pgxpool-backed repository and applies pending
// migrations before returning.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg := newConfig(opts...)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if name := strings.TrimSpace(cfg.ApplicationName); name != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &postgresRepository{pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.acquireTimeout > 0 {
		return context.WithTimeout(ctx, r.acquireTimeout)
	}
	return ctx, func() {}
}

func (r *postgresRepository) CreateStream(ctx context.Context, stream models.Stream) (models.Stream, error) {
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
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO streams (id, channel_id, title, description, source_path, ingest_url, stream_key,
			loop_playback, reencode, thumbnail_path, status, broadcast_id, active_schedule_id,
			scheduled_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		stream.ID, stream.ChannelID, stream.Title, stream.Description, stream.SourcePath,
		stream.IngestURL, stream.StreamKey, stream.Loop, stream.Encode, stream.ThumbnailPath,
		string(stream.Status), stream.BroadcastID, stream.ActiveScheduleID,
		stream.ScheduledEnd, stream.CreatedAt, stream.UpdatedAt,
	)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStream(ctx context.Context, id string) (models.Stream, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = $1", id)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, ErrNotFound
	}
	return stream, err
}

func (r *postgresRepository) ListStreams(ctx context.Context) ([]models.Stream, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT "+streamColumns+" FROM streams ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	return collectStreamsPgx(rows)
}

func (r *postgresRepository) ListStreamsByStatus(ctx context.Context, status models.StreamStatus) ([]models.Stream, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE status = $1 ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("list streams by status: %w", err)
	}
	defer rows.Close()
	return collectStreamsPgx(rows)
}

func (r *postgresRepository) UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE streams SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) SetActiveSchedule(ctx context.Context, streamID, scheduleID string, end time.Time) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE streams SET active_schedule_id = $1, scheduled_end = $2, updated_at = $3 WHERE id = $4",
		scheduleID, end.UTC(), time.Now().UTC(), streamID)
	if err != nil {
		return fmt.Errorf("set active schedule: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) ClearActiveSchedule(ctx context.Context, streamID string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE streams SET active_schedule_id = '', scheduled_end = NULL, updated_at = $1 WHERE id = $2",
		time.Now().UTC(), streamID)
	if err != nil {
		return fmt.Errorf("clear active schedule: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) BindStreamBroadcast(ctx context.Context, streamID, broadcastID string) (bool, error) {
	if strings.TrimSpace(broadcastID) == "" {
		return false, fmt.Errorf("broadcast id required")
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE streams SET broadcast_id = $1, updated_at = $2 WHERE id = $3 AND broadcast_id = ''",
		broadcastID, time.Now().UTC(), streamID)
	if err != nil {
		return false, fmt.Errorf("bind stream broadcast: %w", err)
	}
	if tag.RowsAffected() > 0 {
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

func (r *postgresRepository) ResetActiveStreams(ctx context.Context) (int64, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE streams
		SET status = 'offline', active_schedule_id = '', scheduled_end = NULL, updated_at = $1
		WHERE status IN ('live', 'stopping')`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset active streams: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) CreateSchedule(ctx context.Context, schedule models.Schedule) (models.Schedule, error) {
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
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedules (id, stream_id, start_time, duration_minutes, recurring, recurring_days,
			status, broadcast_status, broadcast_id, broadcast_error, privacy, title, thumbnail_path,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
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

func (r *postgresRepository) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = $1", id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, ErrNotFound
	}
	return schedule, err
}

func (r *postgresRepository) ListSchedulesByStream(ctx context.Context, streamID string) ([]models.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE stream_id = $1 ORDER BY start_time", streamID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedulesPgx(rows)
}

func (r *postgresRepository) ListOpenSchedules(ctx context.Context) ([]models.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE status IN ('pending', 'executing') ORDER BY start_time")
	if err != nil {
		return nil, fmt.Errorf("list open schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedulesPgx(rows)
}

func (r *postgresRepository) ClaimBroadcastCreation(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules SET broadcast_status = 'creating', updated_at = $1
		WHERE id = $2 AND broadcast_status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim broadcast creation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) SetScheduleBroadcast(ctx context.Context, id, broadcastID string) error {
	if strings.TrimSpace(broadcastID) == "" {
		return fmt.Errorf("broadcast id required")
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET broadcast_id = $1, broadcast_status = 'ready', broadcast_error = '', updated_at = $2
		WHERE id = $3 AND broadcast_id = ''`,
		broadcastID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule broadcast: %w", err)
	}
	if tag.RowsAffected() > 0 {
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

func (r *postgresRepository) SetScheduleBroadcastError(ctx context.Context, id, message string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE schedules SET broadcast_status = 'failed', broadcast_error = $1, updated_at = $2 WHERE id = $3",
		message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule broadcast error: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) UpdateScheduleStatus(ctx context.Context, id string, status models.ScheduleStatus) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE schedules SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) UpsertChannelCredential(ctx context.Context, cred models.ChannelCredential) (models.ChannelCredential, error) {
	if strings.TrimSpace(cred.ChannelID) == "" {
		return models.ChannelCredential{}, fmt.Errorf("channel id required")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.UpdatedAt = time.Now().UTC()
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	var expiry any
	if !cred.TokenExpiry.IsZero() {
		expiry = cred.TokenExpiry.UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO channel_credentials (id, channel_id, client_id, client_secret, access_token,
			refresh_token, token_expiry, needs_reauth, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel_id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			needs_reauth = EXCLUDED.needs_reauth,
			updated_at = EXCLUDED.updated_at`,
		cred.ID, cred.ChannelID, cred.ClientID, cred.ClientSecret, cred.AccessToken,
		cred.RefreshToken, expiry, cred.NeedsReauth, cred.UpdatedAt,
	)
	if err != nil {
		return models.ChannelCredential{}, fmt.Errorf("upsert credential: %w", err)
	}
	return r.GetChannelCredential(ctx, cred.ChannelID)
}

func (r *postgresRepository) ListChannelCredentials(ctx context.Context) ([]models.ChannelCredential, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+credentialColumns+" FROM channel_credentials ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

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

func (r *postgresRepository) GetChannelCredential(ctx context.Context, channelID string) (models.ChannelCredential, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		"SELECT "+credentialColumns+" FROM channel_credentials WHERE channel_id = $1", channelID)
	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChannelCredential{}, ErrNotFound
	}
	return cred, err
}

func (r *postgresRepository) UpdateChannelToken(ctx context.Context, id, accessToken string, expiry time.Time) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE channel_credentials
		SET access_token = $1, token_expiry = $2, needs_reauth = FALSE, updated_at = $3
		WHERE id = $4`,
		accessToken, expiry.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update channel token: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) MarkChannelReauth(ctx context.Context, id string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		"UPDATE channel_credentials SET needs_reauth = TRUE, updated_at = $1 WHERE id = $2",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark channel reauth: %w", err)
	}
	return requireTag(tag)
}

func (r *postgresRepository) RecordEvent(ctx context.Context, event models.StreamEvent) error {
	if strings.TrimSpace(event.Event) == "" {
		return fmt.Errorf("event type required")
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stream_events (stream_id, schedule_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.StreamID, event.ScheduleID, event.Event, event.Detail, created.UTC())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListRecentEvents(ctx context.Context, limit int) ([]models.StreamEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, stream_id, schedule_id, event, detail, created_at
		FROM stream_events ORDER BY id DESC LIMIT $1`, limit)
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

func requireTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectStreamsPgx(rows pgx.Rows) ([]models.Stream, error) {
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

func collectSchedulesPgx(rows pgx.Rows) ([]models.Schedule, error) {
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
