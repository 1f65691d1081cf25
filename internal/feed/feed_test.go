package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFeed(client, zerolog.Nop()), s
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events:
		if !ok {
			t.Fatal("subscription closed before an event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesSubscriberOfSameDocument(t *testing.T) {
	f, _ := setupFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, TablePresence, "doc_1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := f.Publish(ctx, Event{Table: TablePresence, DocumentID: "doc_1", UserID: "usr_a", Op: "upsert"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	event := receive(t, sub)
	if event.UserID != "usr_a" || event.Op != "upsert" || event.At.IsZero() {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestSubscriberIgnoresOtherDocuments(t *testing.T) {
	f, _ := setupFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, TablePresence, "doc_1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := f.Publish(ctx, Event{Table: TablePresence, DocumentID: "doc_2", UserID: "usr_b", Op: "upsert"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := f.Publish(ctx, Event{Table: TablePresence, DocumentID: "doc_1", UserID: "usr_c", Op: "delete"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if event := receive(t, sub); event.DocumentID != "doc_1" || event.UserID != "usr_c" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	f, s := setupFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, TablePresence, "doc_1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	s.Publish(Channel(TablePresence, "doc_1"), "{not json")
	if err := f.Publish(ctx, Event{Table: TablePresence, DocumentID: "doc_1", UserID: "usr_d", Op: "upsert"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if event := receive(t, sub); event.UserID != "usr_d" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestCloseEndsEventsAndIsIdempotent(t *testing.T) {
	f, _ := setupFeed(t)

	sub, err := f.Subscribe(context.Background(), TablePresence, "doc_1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = sub.Close()

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected no events after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
