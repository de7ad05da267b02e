package messenger

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/schererja/forgebuild/internal/forgeerr"
)

// Redis is a Messenger backed by go-redis/v9's PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs a Redis messenger against addr (host:port).
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := r.client.Publish(ctx, subject, payload).Err(); err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "publish to redis", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, subject string) (<-chan struct{}, func(), error) {
	pubsub := r.client.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, forgeerr.Wrap(forgeerr.KindUnavailable, "subscribe to redis subject", err)
	}

	notify := make(chan struct{}, 1)
	msgs := pubsub.Channel()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { pubsub.Close() })
	}

	go func() {
		defer close(notify)
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return notify, unsubscribe, nil
}

// Close releases the underlying redis client.
func (r *Redis) Close() error { return r.client.Close() }
