package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore appends events to a capped Redis stream.
type RedisStore struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStore(client redis.Cmdable, prefix string, maxLen int64) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "proxylease:audit"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisStore{
		client: client,
		stream: normalized + ":events",
		maxLen: maxLen,
	}
}

func (s *RedisStore) Append(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"event": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("audit xadd: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("audit xrevrange: %w", err)
	}
	events := make([]Event, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("decode audit event %s: %w", msg.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
