package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
)

const (
	defaultRelayChannel = "prompt-optimizer:control-events"
	defaultRelayBuffer  = 256
)

// relayEnvelope is the Pub/Sub payload exchanged between instances
type relayEnvelope struct {
	InstanceID string          `json:"instance_id"`
	TaskID     string          `json:"task_id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
}

// RedisRelay mirrors control bus broadcasts across instances through a
// Redis Pub/Sub channel. Messages published by this instance are ignored
// on the way back in.
type RedisRelay struct {
	client      *redis.Client
	channel     string
	instanceID  string
	broadcaster *Broadcaster
	metrics     *Metrics
	logger      *logging.Logger

	outbox chan relayEnvelope
	wg     sync.WaitGroup
}

// RelayOption configures a RedisRelay
type RelayOption func(*RedisRelay)

// WithChannel sets the Pub/Sub channel name
func WithChannel(channel string) RelayOption {
	return func(r *RedisRelay) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithInstanceID overrides the generated instance id
func WithInstanceID(id string) RelayOption {
	return func(r *RedisRelay) {
		if id != "" {
			r.instanceID = id
		}
	}
}

// WithRelayMetrics records relayed message counts
func WithRelayMetrics(m *Metrics) RelayOption {
	return func(r *RedisRelay) {
		r.metrics = m
	}
}

// NewRedisRelay creates a relay delivering remote events into broadcaster
func NewRedisRelay(client *redis.Client, broadcaster *Broadcaster, logger *logging.Logger, opts ...RelayOption) *RedisRelay {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &RedisRelay{
		client:      client,
		channel:     defaultRelayChannel,
		instanceID:  uuid.NewString(),
		broadcaster: broadcaster,
		logger:      logger.Named("redis-relay"),
		outbox:      make(chan relayEnvelope, defaultRelayBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID identifies this process on the channel
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Publish queues a local event for other instances. It never blocks; when
// the outbox is full the event is dropped for remote observers only.
func (r *RedisRelay) Publish(taskID, msgType string, data []byte) {
	env := relayEnvelope{InstanceID: r.instanceID, TaskID: taskID, Type: msgType, Data: data}
	select {
	case r.outbox <- env:
	default:
		r.metrics.eventDropped()
		r.logger.Warn("relay outbox full, event not relayed", "task_id", taskID, "type", msgType)
	}
}

// Start subscribes to the channel and runs the publish and receive loops
// until ctx is done. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		r.receiveLoop(ctx, pubsub.Channel())
	}()
	go func() {
		defer r.wg.Done()
		r.publishLoop(ctx)
	}()

	r.logger.Info("relay started", "channel", r.channel, "instance_id", r.instanceID)
	return nil
}

// Wait blocks until both loops have exited
func (r *RedisRelay) Wait() {
	r.wg.Wait()
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				r.logger.WithError(err).Error("failed to encode relay envelope")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.WithError(err).Warn("failed to publish relay envelope", "task_id", env.TaskID)
				continue
			}
			r.metrics.relayed("out")
		}
	}
}

func (r *RedisRelay) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Warn("discarding malformed relay envelope")
				continue
			}
			if env.InstanceID == r.instanceID {
				continue
			}
			r.metrics.relayed("in")
			r.broadcaster.Deliver(env.TaskID, env.Type, env.Data)
		}
	}
}
