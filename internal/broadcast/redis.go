package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes over Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport connects to the Redis server at url (redis://...).
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisTransport{client: client}, nil
}

// NewRedisTransportWithClient wraps an existing client without pinging it.
func NewRedisTransportWithClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, msg []byte) error {
	if err := t.client.Publish(ctx, topic, msg).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)

	// Wait for the subscription confirmation so nothing published afterwards is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe to %s failed: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan []byte { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
