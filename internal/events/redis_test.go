package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	pub, err := NewRedisPublisher(RedisConfig{
		Addr:   srv.Addr(),
		Stream: "test:events",
		Group:  "test-group",
	})
	if err != nil {
		t.Fatalf("new redis publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	return pub, srv
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	pub, srv := newRedisPublisher(t)

	event := Event{
		Type:        TypeBroadcastCreated,
		StreamID:    "st-1",
		ScheduleID:  "sch-1",
		BroadcastID: "bc-1",
		OccurredAt:  time.Date(2026, time.March, 9, 8, 57, 0, 0, time.UTC),
	}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := srv.Stream("test:events")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if len(entries[0].Values) != 2 || entries[0].Values[0] != "payload" {
		t.Fatalf("unexpected entry fields: %v", entries[0].Values)
	}
	var got Event
	if err := json.Unmarshal([]byte(entries[0].Values[1]), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got != event {
		t.Fatalf("payload mismatch:\n got %+v\nwant %+v", got, event)
	}
}

func TestRedisPublisherRejectsUntypedEvent(t *testing.T) {
	pub, _ := newRedisPublisher(t)
	if err := pub.Publish(context.Background(), Event{StreamID: "st-1"}); err == nil {
		t.Fatal("expected error for event without type")
	}
}
