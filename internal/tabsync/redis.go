package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tonimelisma/crdrive/internal/session"
)

// DefaultChannel is the Pub/Sub channel name shared by all processes.
const DefaultChannel = "cr-auth"

// RedisSource carries session events over a Redis Pub/Sub channel, which
// reaches processes on other hosts too.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisSource creates a source on channel (DefaultChannel when empty).
func NewRedisSource(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultChannel
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RedisSource{client: client, channel: channel, logger: logger}
}

// Name implements Source.
func (r *RedisSource) Name() string { return "redis" }

// Publish implements Source.
func (r *RedisSource) Publish(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("tabsync: encoding event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("tabsync: publishing to %s: %w", r.channel, err)
	}

	return nil
}

// Subscribe implements Source. Malformed messages are logged and skipped.
func (r *RedisSource) Subscribe(ctx context.Context, fn func(session.Event)) (io.Closer, error) {
	ps := r.client.Subscribe(ctx, r.channel)

	// Wait for the subscription confirmation so that nothing published
	// after Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("tabsync: subscribing to %s: %w", r.channel, err)
	}

	msgs := ps.Channel()
	done := make(chan struct{})

	go func() {
		defer close(done)

		for msg := range msgs {
			var ev session.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("skipping malformed session event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)

				continue
			}

			fn(ev)
		}
	}()

	stop := context.AfterFunc(ctx, func() { ps.Close() })

	return closerFunc(func() error {
		if !stop() {
			// ctx already ended and closed the subscription.
			<-done
			return nil
		}

		err := ps.Close()
		<-done

		if err != nil {
			return fmt.Errorf("tabsync: closing subscription: %w", err)
		}

		return nil
	}), nil
}
