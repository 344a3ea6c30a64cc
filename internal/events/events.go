// Package events publishes lifecycle notifications for downstream
// consumers: stream starts and stops, broadcast creation outcomes, and
// credential refresh results.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the scheduler.
const (
	TypeStreamStarted    = "stream.started"
	TypeStreamStopped    = "stream.stopped"
	TypeBroadcastCreated = "broadcast.created"
	TypeBroadcastFailed  = "broadcast.failed"
	TypeTokenRefreshed   = "token.refreshed"
	TypeReauthRequired   = "token.reauth_required"
)

// Event is a single lifecycle notification.
type Event struct {
	Type        string    `json:"type"`
	StreamID    string    `json:"streamId,omitempty"`
	ScheduleID  string    `json:"scheduleId,omitempty"`
	BroadcastID string    `json:"broadcastId,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers events to interested consumers. Publish must not block
// the scheduler's tick loop indefinitely.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemoryPublisher fans events out to in-process subscribers. Events are
// dropped when a subscriber's buffer is full.
type MemoryPublisher struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewMemoryPublisher returns a publisher for in-process consumption.
func NewMemoryPublisher(logger *slog.Logger) *MemoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPublisher{logger: logger}
}

// Subscribe registers a buffered consumer channel. The channel is closed
// when the publisher shuts down.
func (p *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
			p.logger.Warn("event subscriber buffer full, dropping", "type", event.Type, "stream_id", event.StreamID)
		}
	}
	return nil
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
	return nil
}
