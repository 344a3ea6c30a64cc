package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams publisher.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

// RedisPublisher appends events to a Redis stream. A consumer group is
// created up front so downstream workers can attach at any point without
// losing entries.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	group  string
	logger *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedisPublisher connects to Redis and prepares the event stream.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "airtime:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "event-consumers"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	pub := &RedisPublisher{
		client: client,
		stream: stream,
		group:  group,
		logger: cfg.Logger,
	}
	if pub.logger == nil {
		pub.logger = slog.Default()
	}
	if err := pub.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return pub, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.ensureGroup(ctx); err != nil {
		return err
	}
	_, err = p.client.Do(ctx, "XADD", p.stream, "*", "payload", string(payload)).Result()
	return err
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) ensureGroup(ctx context.Context) error {
	if p.groupReady.Load() {
		return nil
	}
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	if p.groupReady.Load() {
		return nil
	}
	_, err := p.client.Do(ctx, "XGROUP", "CREATE", p.stream, p.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			p.groupReady.Store(true)
			return nil
		}
		return err
	}
	p.groupReady.Store(true)
	return nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}
