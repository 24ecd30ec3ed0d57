package server

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier receives keyspace notifications dispatched as side effects of
// successful mutations.
type Notifier interface {
	Notify(ctx context.Context, calendarUID, message string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, calendarUID, message string) {
	n.Logger.Info().
		Str("calendar", calendarUID).
		Str("event", message).
		Msg("keyspace notification")
}

// RedisNotifier publishes notifications to a Redis pub/sub channel per
// calendar ("icalq:<calendar-uid>").
type RedisNotifier struct {
	Client *redis.Client
	Logger zerolog.Logger
}

// NewRedisNotifier connects a notifier to the Redis instance at url.
func NewRedisNotifier(url string, logger zerolog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisNotifier{Client: redis.NewClient(opts), Logger: logger}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, calendarUID, message string) {
	channel := "icalq:" + calendarUID
	if err := n.Client.Publish(ctx, channel, message).Err(); err != nil {
		n.Logger.Warn().
			Err(err).
			Str("channel", channel).
			Msg("failed to publish keyspace notification")
	}
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.Client.Close()
}

// MultiNotifier fans a notification out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, calendarUID, message string) {
	for _, notifier := range m {
		notifier.Notify(ctx, calendarUID, message)
	}
}
