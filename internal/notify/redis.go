package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "flowdesk:notifications"
	defaultMaxLen = 10000
)

// Feed is a Notifier whose recent notifications can be read back.
type Feed interface {
	Notifier
	Recent(ctx context.Context, count int64) ([]Notification, error)
}

// RedisNotifier appends notifications to a Redis stream so downstream mailers can consume them.
type RedisNotifier struct {
	client *redis.Client
	stream string
}

func NewRedisNotifier(redisURL, stream string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	n := NewRedisNotifierWithClient(redis.NewClient(opts), stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Ping(ctx); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return n, nil
}

func NewRedisNotifierWithClient(client *redis.Client, stream string) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisNotifier{client: client, stream: stream}
}

func (n *RedisNotifier) Notify(ctx context.Context, msg Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: defaultMaxLen,
		Approx: true,
		Values: map[string]any{
			"event":    msg.Event,
			"issue_id": msg.IssueID,
			"payload":  string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", n.stream, err)
	}
	return nil
}

// Recent returns up to count notifications, newest first.
func (n *RedisNotifier) Recent(ctx context.Context, count int64) ([]Notification, error) {
	msgs, err := n.client.XRevRangeN(ctx, n.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", n.stream, err)
	}
	out := make([]Notification, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		var item Notification
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", m.ID, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
