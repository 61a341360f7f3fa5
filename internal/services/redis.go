package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "user:online:"
	eventsChannel     = "rt:events"
	broadcastChannel  = "rt:broadcast"
)

// RedisService stores user presence flags and carries the event firehose.
// Presence writes are best-effort; the in-memory registry stays
// authoritative and Redis is eventually consistent.
type RedisService struct {
	client      *redis.Client
	config      *config.RedisConfig
	nodeID      string
	subscribers map[string]*redis.PubSub
	subMutex    sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// MessageHandler processes one message received from a subscribed channel.
type MessageHandler func(channel string, message *models.WebSocketMessage) error

// redisEnvelope wraps every published message with its channel, origin
// node, and send time. The origin lets a subscriber skip messages it
// published itself.
type redisEnvelope struct {
	Channel   string                  `json:"channel"`
	Origin    string                  `json:"origin"`
	Message   models.WebSocketMessage `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
}

// NewRedisService creates a Redis service and verifies connectivity.
func NewRedisService(cfg *config.RedisConfig) (*RedisService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	if err := validateRedisConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   3,
		DialTimeout:  time.Second * 5,
		ReadTimeout:  time.Second * 3,
		WriteTimeout: time.Second * 3,
		PoolTimeout:  time.Second * 4,
	})

	service := &RedisService{
		client:      rdb,
		config:      cfg,
		nodeID:      uuid.New().String(),
		subscribers: make(map[string]*redis.PubSub),
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := service.ping(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	utils.Info("Redis service initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("min_idle_conns", cfg.MinIdleConns))

	return service, nil
}

func validateRedisConfig(cfg *config.RedisConfig) error {
	if cfg.Addr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		return fmt.Errorf("pool size must be greater than 0")
	}
	if cfg.MinIdleConns < 0 {
		return fmt.Errorf("min idle connections cannot be negative")
	}
	if cfg.MinIdleConns > cfg.PoolSize {
		return fmt.Errorf("min idle connections cannot exceed pool size")
	}
	return nil
}

func (r *RedisService) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, time.Second*5)
	defer cancel()

	result := r.client.Ping(ctx)
	if result.Err() != nil {
		return fmt.Errorf("redis ping failed: %w", result.Err())
	}
	return nil
}

// SetUserOnlineStatus records or clears the presence flag for a user.
// Online flags carry the configured TTL so a crashed process cannot leave
// users marked online forever.
func (r *RedisService) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	key := presenceKeyPrefix + userID
	if online {
		if err := r.client.Set(ctx, key, time.Now().Format(time.RFC3339), r.config.PresenceTTL).Err(); err != nil {
			return fmt.Errorf("failed to set online flag: %w", err)
		}
	} else {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear online flag: %w", err)
		}
	}

	utils.Debug("Presence flag updated",
		zap.String("user_id", userID),
		zap.Bool("online", online))

	return nil
}

// PublishEvent publishes a message to a channel for downstream consumers.
func (r *RedisService) PublishEvent(channel string, message *models.WebSocketMessage) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}
	if message == nil {
		return fmt.Errorf("message cannot be nil")
	}

	envelope := &redisEnvelope{
		Channel:   channel,
		Origin:    r.nodeID,
		Message:   *message,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(r.ctx, time.Second*3)
	defer cancel()

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	utils.Debug("Event published",
		zap.String("channel", channel),
		zap.String("message_id", message.MessageID),
		zap.String("message_type", string(message.Type)))

	return nil
}

// PublishUserEvent pushes a lifecycle event onto the events firehose.
func (r *RedisService) PublishUserEvent(message *models.WebSocketMessage) error {
	return r.PublishEvent(eventsChannel, message)
}

// PublishBroadcast mirrors a room broadcast to peer nodes.
func (r *RedisService) PublishBroadcast(message *models.WebSocketMessage) error {
	return r.PublishEvent(broadcastChannel, message)
}

// SubscribeBroadcast wires the peer-node broadcast stream into handler.
func (r *RedisService) SubscribeBroadcast(handler MessageHandler) error {
	return r.SubscribeToChannel(broadcastChannel, handler)
}

// SubscribeToChannel subscribes to a channel and feeds every message to
// handler on a dedicated goroutine.
func (r *RedisService) SubscribeToChannel(channel string, handler MessageHandler) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("message handler cannot be nil")
	}

	r.subMutex.Lock()
	defer r.subMutex.Unlock()

	if _, exists := r.subscribers[channel]; exists {
		return fmt.Errorf("already subscribed to channel: %s", channel)
	}

	pubsub := r.client.Subscribe(r.ctx, channel)

	if _, err := pubsub.Receive(r.ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	r.subscribers[channel] = pubsub

	utils.Info("Subscribed to Redis channel", zap.String("channel", channel))

	go r.processMessages(channel, pubsub, handler)

	return nil
}

func (r *RedisService) processMessages(channel string, pubsub *redis.PubSub, handler MessageHandler) {
	defer func() {
		if err := recover(); err != nil {
			utils.Error("Panic in message processing goroutine",
				zap.String("channel", channel),
				zap.Any("error", err))
		}
	}()

	ch := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				utils.Warn("Redis subscription channel closed",
					zap.String("channel", channel))
				return
			}

			var envelope redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				utils.Error("Failed to unmarshal Redis message",
					zap.Error(err),
					zap.String("channel", channel))
				continue
			}

			// Skip messages this node published itself.
			if envelope.Origin == r.nodeID {
				continue
			}

			if err := handler(channel, &envelope.Message); err != nil {
				utils.Error("Message handler failed",
					zap.Error(err),
					zap.String("channel", channel),
					zap.String("message_id", envelope.Message.MessageID))
			}
		}
	}
}

// UnsubscribeFromChannel tears down a subscription.
func (r *RedisService) UnsubscribeFromChannel(channel string) error {
	r.subMutex.Lock()
	defer r.subMutex.Unlock()

	pubsub, exists := r.subscribers[channel]
	if !exists {
		return fmt.Errorf("not subscribed to channel: %s", channel)
	}

	if err := pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close subscription: %w", err)
	}

	delete(r.subscribers, channel)
	return nil
}

// HealthCheck verifies Redis connectivity.
func (r *RedisService) HealthCheck() error {
	return r.ping()
}

// Close shuts down subscriptions and the client.
func (r *RedisService) Close() error {
	utils.Info("Closing Redis service...")

	r.cancel()

	r.subMutex.Lock()
	for channel, pubsub := range r.subscribers {
		if err := pubsub.Close(); err != nil {
			utils.Error("Failed to close subscription",
				zap.Error(err),
				zap.String("channel", channel))
		}
	}
	r.subMutex.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	utils.Info("Redis service closed")
	return nil
}
