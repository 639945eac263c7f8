package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCloseTimeout = 5 * time.Second
)

// RedisSettingInvalidator implements SettingInvalidator using Redis Pub/Sub
type RedisSettingInvalidator struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	logger     *zap.Logger
	cancelFn   context.CancelFunc
	doneCh     chan struct{}
	doneOnce   sync.Once
	mu         sync.Mutex
	isRunning  bool
}

// RedisSettingInvalidatorOption is a functional option for configuring the invalidator
type RedisSettingInvalidatorOption func(*RedisSettingInvalidator)

// WithInvalidatorChannel sets the Pub/Sub channel name
func WithInvalidatorChannel(channel string) RedisSettingInvalidatorOption {
	return func(i *RedisSettingInvalidator) {
		if channel != "" {
			i.channel = channel
		}
	}
}

// WithInvalidatorLogger sets the logger for the invalidator
func WithInvalidatorLogger(logger *zap.Logger) RedisSettingInvalidatorOption {
	return func(i *RedisSettingInvalidator) {
		i.logger = logger
	}
}

// NewRedisSettingInvalidator connects to Redis and creates an invalidator owning the client
func NewRedisSettingInvalidator(cfg RedisConfig, opts ...RedisSettingInvalidatorOption) (*RedisSettingInvalidator, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	i := NewRedisSettingInvalidatorWithClient(client, opts...)
	i.ownsClient = true
	return i, nil
}

// NewRedisSettingInvalidatorWithClient creates an invalidator with an existing Redis client.
// The caller retains ownership of the client.
func NewRedisSettingInvalidatorWithClient(client *redis.Client, opts ...RedisSettingInvalidatorOption) *RedisSettingInvalidator {
	i := &RedisSettingInvalidator{
		client:  client,
		channel: docnumber.DefaultCacheConfig().PubSubChannel,
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Channel returns the Pub/Sub channel name
func (i *RedisSettingInvalidator) Channel() string {
	return i.channel
}

// Publish sends an invalidation to all subscribers
func (i *RedisSettingInvalidator) Publish(ctx context.Context, msg docnumber.InvalidationMessage) error {
	data, err := encodeInvalidation(msg, time.Now())
	if err != nil {
		return err
	}

	if err := i.client.Publish(ctx, i.channel, data).Err(); err != nil {
		i.logger.Error("Failed to publish setting invalidation",
			zap.String("channel", i.channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	i.logger.Debug("Published setting invalidation",
		zap.String("action", string(msg.Action)),
		zap.String("key", msg.Key),
		zap.String("channel", i.channel))
	return nil
}

// Subscribe listens for invalidations and blocks until ctx is cancelled or
// Close is called. Callbacks run on their own goroutine.
func (i *RedisSettingInvalidator) Subscribe(ctx context.Context, callback func(msg docnumber.InvalidationMessage)) error {
	i.mu.Lock()
	if i.isRunning {
		i.mu.Unlock()
		return errors.New("subscription already running")
	}
	i.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	i.cancelFn = cancel
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.isRunning = false
		i.mu.Unlock()
		i.markDone()
	}()

	pubsub := i.client.Subscribe(subCtx, i.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	i.logger.Info("Subscribed to setting invalidation channel",
		zap.String("channel", i.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			i.logger.Info("Setting invalidation subscription stopped")
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				i.logger.Warn("Setting invalidation channel closed")
				return nil
			}

			update, err := decodeInvalidation([]byte(msg.Payload))
			if err != nil {
				i.logger.Error("Failed to decode setting invalidation",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}

			go func(m docnumber.InvalidationMessage) {
				defer func() {
					if r := recover(); r != nil {
						i.logger.Error("Panic in setting invalidation callback",
							zap.Any("panic", r))
					}
				}()
				callback(m)
			}(update)
		}
	}
}

func (i *RedisSettingInvalidator) markDone() {
	i.doneOnce.Do(func() {
		close(i.doneCh)
	})
}

// Close stops a running subscription and closes the client if owned
func (i *RedisSettingInvalidator) Close() error {
	i.mu.Lock()
	cancelFn := i.cancelFn
	i.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		select {
		case <-i.doneCh:
		case <-time.After(defaultCloseTimeout):
			i.logger.Warn("Timeout waiting for subscription to stop")
		}
	}

	if i.ownsClient {
		return i.client.Close()
	}
	return nil
}

// encodeInvalidation serializes msg, stamping it with now if it has no timestamp
func encodeInvalidation(msg docnumber.InvalidationMessage, now time.Time) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixNano()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeInvalidation(data []byte) (docnumber.InvalidationMessage, error) {
	var msg docnumber.InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	switch msg.Action {
	case docnumber.InvalidationActionUpdated:
		if msg.Key == "" {
			return msg, errors.New("updated message without key")
		}
	case docnumber.InvalidationActionInvalidateAll:
	default:
		return msg, fmt.Errorf("unknown action %q", msg.Action)
	}
	return msg, nil
}

// Ensure RedisSettingInvalidator implements SettingInvalidator
var _ docnumber.SettingInvalidator = (*RedisSettingInvalidator)(nil)
