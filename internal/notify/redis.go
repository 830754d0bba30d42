// Package notify announces committed revisions on Redis so that other
// processes (dashboards, terminals on the shop floor) can refresh.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"shopfloor/internal/docstore"
)

const DefaultChannel = "shopfloor:commits"

// recentLimit bounds the replay list kept next to the channel.
const recentLimit = 100

// Event is the payload published for each commit.
type Event struct {
	ID       string    `json:"id"`
	Revision int64     `json:"revision"`
	Added    []string  `json:"added,omitempty"`
	Changed  []string  `json:"changed,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
	At       time.Time `json:"at"`
}

func EventFor(commit docstore.Commit) Event {
	at := commit.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:       uuid.NewString(),
		Revision: commit.Revision,
		Added:    commit.Added,
		Changed:  commit.Changed,
		Removed:  commit.Removed,
		At:       at.UTC(),
	}
}

// RedisPublisher publishes commit events and tracks the last announced
// revision under <channel>:revision.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisPublisherWithClient(client, channel), nil
}

func NewRedisPublisherWithClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "notify" }

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) revisionKey() string { return p.channel + ":revision" }

func (p *RedisPublisher) recentKey() string { return p.channel + ":recent" }

func (p *RedisPublisher) Apply(ctx context.Context, commit docstore.Commit) error {
	return p.Publish(ctx, EventFor(commit))
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.revisionKey(), event.Revision, 0)
		pipe.LPush(ctx, p.recentKey(), payload)
		pipe.LTrim(ctx, p.recentKey(), 0, recentLimit-1)
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish revision %d: %w", event.Revision, err)
	}
	return nil
}

// LastRevision returns the last published revision, or 0 when nothing has
// been published yet.
func (p *RedisPublisher) LastRevision(ctx context.Context) (int64, error) {
	raw, err := p.client.Get(ctx, p.revisionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last revision: %w", err)
	}
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last revision %q: %w", raw, err)
	}
	return rev, nil
}

// Recent returns up to n of the latest events, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 || n > recentLimit {
		n = recentLimit
	}
	items, err := p.client.LRange(ctx, p.recentKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscription receives events published on the channel.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe returns once the subscription is confirmed by the server.
func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	return &Subscription{pubsub: pubsub}, nil
}

func (s *Subscription) Next(ctx context.Context) (Event, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return Event{}, err
	}
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, nil
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
