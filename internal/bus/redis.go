// Package bus subscribes to the Redis pub/sub namespace the backend
// publishes broadcast events on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pingTimeout = 3 * time.Second

// Message is one publication received through a pattern subscription.
type Message struct {
	Pattern string
	Channel string
	Payload string
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisSubscriber owns the long-lived Redis client used for the
// subscription. go-redis re-establishes the connection and re-issues the
// PSUBSCRIBE after network failures.
type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisSubscriber creates a subscriber. No connection is made until
// Ping or Subscribe is called.
func NewRedisSubscriber(opts Options, log *zap.Logger) *RedisSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSubscriber{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		log: log,
	}
}

// Ping checks that Redis is reachable.
func (s *RedisSubscriber) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Subscribe starts a pattern subscription and returns the delivery
// channel. The channel is closed when ctx ends or Close is called.
// Only one subscription is active per subscriber.
func (s *RedisSubscriber) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pubsub != nil {
		return nil, errors.New("subscription already active")
	}

	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("psubscribe %q: %w", pattern, err)
	}
	s.pubsub = pubsub
	s.log.Info("Subscribed to bus", zap.String("pattern", pattern))

	out := make(chan Message)
	go s.forward(ctx, pubsub.Channel(), out)
	return out, nil
}

func (s *RedisSubscriber) forward(ctx context.Context, in <-chan *redis.Message, out chan<- Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- Message{Pattern: msg.Pattern, Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close ends the subscription and releases the Redis client.
func (s *RedisSubscriber) Close() error {
	s.mu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis client: %w", err))
	}
	return errors.Join(errs...)
}
