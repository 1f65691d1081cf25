// Package feed carries row-change notifications between API processes so
// collaboration sessions can refresh when a peer writes.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TablePresence = "document_presence"
	TableComments = "comments"
)

type Event struct {
	Table      string    `json:"table"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Op         string    `json:"op"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, table, documentID string) (*Subscription, error)
}

// Subscription delivers events until Close is called or the subscribing
// context ends. Events is closed afterwards.
type Subscription struct {
	Events <-chan Event

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func NewSubscription(events <-chan Event, closeFn func() error) *Subscription {
	return &Subscription{Events: events, closeFn: closeFn}
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

func Channel(table, documentID string) string {
	return fmt.Sprintf("lexdraft:changes:%s:%s", table, documentID)
}

type RedisFeed struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisFeed(client *redis.Client, log zerolog.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, Channel(event.Table, event.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are delivered.
func (f *RedisFeed) Subscribe(ctx context.Context, table, documentID string) (*Subscription, error) {
	channel := Channel(table, documentID)
	pubsub := f.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	events := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(events)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					f.log.Warn().Err(err).Str("channel", channel).Msg("skipping malformed change event")
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var stopOnce sync.Once
	return NewSubscription(events, func() error {
		stopOnce.Do(func() { close(done) })
		return pubsub.Close()
	}), nil
}
