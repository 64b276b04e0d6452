package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "uplink:changes:"

// RedisFeed is a Feed backed by Redis pub/sub so that every service instance
// sees changes committed by any other instance.
type RedisFeed struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// NewRedisFeed connects to Redis and returns a feed.
func NewRedisFeed(log *zap.Logger, opts RedisOptions) *RedisFeed {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisFeedWithClient(log, client, opts.ChannelPrefix)
}

// NewRedisFeedWithClient wraps an existing client.
func NewRedisFeedWithClient(log *zap.Logger, client *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{client: client, prefix: prefix, log: log}
}

func (f *RedisFeed) channel(uid string) string {
	return f.prefix + uid
}

func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(change.UID), payload).Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", change.UID, err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, uid string) (<-chan Change, func()) {
	ps := f.client.Subscribe(ctx, f.channel(uid))
	out := make(chan Change, subscriberBuffer)
	done := make(chan struct{})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				f.log.Debug("closing redis subscription failed", zap.String("uid", uid), zap.Error(err))
			}
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					f.log.Warn("dropping undecodable change", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- change:
				default:
				}
			}
		}
	}()
	return out, cancel
}

// Ping verifies connectivity.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
