package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "gowq:wake:"

// Redis publishes wake-ups over Redis pub/sub so that schedulers on other
// hosts react to new or terminated work without waiting for their next
// cycle.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, logger: logger.With("component", "notify")}, nil
}

func (r *Redis) Wake(ctx context.Context, host string) error {
	channel := channelPrefix + host
	if host == "" {
		channel = channelPrefix + "all"
	}
	if err := r.client.Publish(ctx, channel, host).Err(); err != nil {
		return fmt.Errorf("publish wake %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, host string) (<-chan struct{}, error) {
	ps := r.client.Subscribe(ctx, channelPrefix+host, channelPrefix+"all")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", host, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				r.logger.Debug("wake received", "channel", msg.Channel)
				signal(out)
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
