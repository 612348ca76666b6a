package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"background-jobs/internal/config"
	"background-jobs/internal/logging"
	"background-jobs/internal/models"
	"background-jobs/internal/telemetry"
)

const (
	consumerGroup = "workers"
	// deadLetterMaxLen caps each dead-letter stream (approximately).
	deadLetterMaxLen = 10000
)

// Options tunes a RedisBroker.
type Options struct {
	Exchange    string
	QueuePrefix string
	// Consumer names this process inside the consumer group. Deliveries
	// left unsettled by a crashed consumer are reclaimed by the others.
	Consumer          string
	Prefetch          int
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

// OptionsFromConfig maps service configuration onto broker options.
func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		Exchange:          cfg.BrokerExchange,
		QueuePrefix:       cfg.BrokerQueuePrefix,
		Consumer:          cfg.WorkerID,
		Prefetch:          cfg.BrokerPrefetch,
		ConnectTimeout:    cfg.BrokerConnectTimeout,
		PublishTimeout:    cfg.BrokerPublishTimeout,
		BlockTimeout:      cfg.BrokerBlockTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Logger:            logger,
	}
}

// RedisBroker implements Broker on Redis Streams. Every queue is a stream
// read through a consumer group; exchange bindings live in a hash.
type RedisBroker struct {
	redisOpts *redis.Options
	opts      Options
	log       *slog.Logger

	mu     sync.RWMutex
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker builds an unconnected broker. Call Connect before use.
func NewRedisBroker(redisOpts *redis.Options, opts Options) *RedisBroker {
	if opts.Exchange == "" {
		opts.Exchange = "jobs_exchange"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 10 * time.Minute
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &RedisBroker{
		redisOpts: redisOpts,
		opts:      opts,
		log:       logging.Resolve(opts.Logger).With("component", "broker"),
	}
}

// NewFromConfig builds a broker for the configured Redis instance.
func NewFromConfig(cfg config.Config, logger *slog.Logger) *RedisBroker {
	return NewRedisBroker(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, OptionsFromConfig(cfg, logger))
}

// Connect opens the Redis connection pool and verifies it within the
// connect timeout. Connecting twice is a no-op.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}
	client := redis.NewClient(b.redisOpts)
	ctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect broker at %s: %w", b.redisOpts.Addr, err)
	}
	b.client = client
	b.log.Info("broker connected", "addr", b.redisOpts.Addr, "exchange", b.opts.Exchange)
	return nil
}

// Disconnect closes the connection pool. Consumers return ErrNotConnected.
func (b *RedisBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	b.log.Info("broker disconnected")
	return err
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (b *RedisBroker) conn() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

// QueueName returns the stream key backing a logical queue.
func (b *RedisBroker) QueueName(queue string) string {
	if b.opts.QueuePrefix == "" {
		return queue
	}
	return b.opts.QueuePrefix + "_" + queue
}

func (b *RedisBroker) deadLetterName(queue string) string {
	return b.QueueName(queue) + ".dead"
}

func (b *RedisBroker) bindingsKey() string {
	return "exchange:" + b.opts.Exchange + ":bindings"
}

func (b *RedisBroker) DeclareQueue(ctx context.Context, queue, bindingPattern string) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	stream := b.QueueName(queue)
	if err := client.HSet(ctx, b.bindingsKey(), stream, bindingPattern).Err(); err != nil {
		return fmt.Errorf("bind queue %s: %w", stream, err)
	}
	if err := b.ensureGroup(ctx, client, stream); err != nil {
		return err
	}
	b.log.Info("queue declared", "queue", stream, "binding", bindingPattern)
	return nil
}

func (b *RedisBroker) ensureGroup(ctx context.Context, client *redis.Client, stream string) error {
	err := client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

// Publish appends msg to every bound queue in one transaction.
func (b *RedisBroker) Publish(ctx context.Context, routingKey string, msg models.Message, priority int) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.JobID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	bindings, err := client.HGetAll(ctx, b.bindingsKey()).Result()
	if err != nil {
		return fmt.Errorf("load bindings: %w", err)
	}
	targets := make([]string, 0, len(bindings))
	for stream, pattern := range bindings {
		if MatchTopic(pattern, routingKey) {
			targets = append(targets, stream)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnroutable, routingKey)
	}

	values := map[string]any{
		"body":        body,
		"routing_key": routingKey,
		"priority":    priority,
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stream := range targets {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Consume reads queue through the consumer group, at most Prefetch messages
// at a time, and hands each to h in order. Entries another consumer left
// unsettled past the visibility timeout are reclaimed first.
func (b *RedisBroker) Consume(ctx context.Context, queue string, h Handler) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	stream := b.QueueName(queue)
	if err := b.ensureGroup(ctx, client, stream); err != nil {
		return err
	}
	ack := &streamAcker{broker: b, stream: stream, dead: b.deadLetterName(queue)}
	log := b.log.With("queue", stream, "consumer", b.opts.Consumer)
	log.Info("consumer started", "prefetch", b.opts.Prefetch)

	failing := false
	for {
		if ctx.Err() != nil {
			log.Info("consumer stopped")
			return nil
		}
		client, err = b.conn()
		if err != nil {
			return err
		}

		msgs, redelivered, err := b.next(ctx, client, stream)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrNotConnected
			}
			log.Error("read queue", "error", err)
			failing = true
			sleepCtx(ctx, time.Second)
			continue
		}
		if failing {
			failing = false
			telemetry.BrokerReconnections.Inc()
			log.Info("consumer recovered")
		}
		for _, m := range msgs {
			d := toDelivery(m, queue, redelivered)
			d.Acknowledger = ack
			h(ctx, d)
		}
	}
}

// next returns reclaimed entries when there are any, otherwise blocks for new
// ones up to the block timeout.
func (b *RedisBroker) next(ctx context.Context, client *redis.Client, stream string) ([]redis.XMessage, bool, error) {
	claimed, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(b.opts.Prefetch),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("reclaim: %w", err)
	}
	if len(claimed) > 0 {
		return claimed, true, nil
	}

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: b.opts.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(b.opts.Prefetch),
		Block:    b.opts.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, false, nil
}

func toDelivery(m redis.XMessage, queue string, redelivered bool) *Delivery {
	d := &Delivery{ID: m.ID, Queue: queue, Redelivered: redelivered}
	if v, ok := m.Values["body"].(string); ok {
		d.Body = []byte(v)
	}
	if v, ok := m.Values["routing_key"].(string); ok {
		d.RoutingKey = v
	}
	if v, ok := m.Values["priority"].(string); ok {
		d.Priority, _ = strconv.Atoi(v)
	}
	return d
}

// QueueInfo reports backlog counts for queue. The queue must be declared.
func (b *RedisBroker) QueueInfo(ctx context.Context, queue string) (QueueInfo, error) {
	client, err := b.conn()
	if err != nil {
		return QueueInfo{}, err
	}
	stream := b.QueueName(queue)
	info := QueueInfo{Name: stream}

	if info.Messages, err = client.XLen(ctx, stream).Result(); err != nil {
		return info, fmt.Errorf("queue length %s: %w", stream, err)
	}
	pending, err := client.XPending(ctx, stream, consumerGroup).Result()
	if err != nil {
		return info, fmt.Errorf("pending %s: %w", stream, err)
	}
	info.Pending = pending.Count
	consumers, err := client.XInfoConsumers(ctx, stream, consumerGroup).Result()
	if err != nil {
		return info, fmt.Errorf("consumers %s: %w", stream, err)
	}
	info.Consumers = int64(len(consumers))
	if info.DeadLetters, err = client.XLen(ctx, b.deadLetterName(queue)).Result(); err != nil {
		return info, fmt.Errorf("dead letter length %s: %w", stream, err)
	}
	return info, nil
}

// streamAcker settles deliveries read from one stream.
type streamAcker struct {
	broker *RedisBroker
	stream string
	dead   string
}

func (a *streamAcker) Ack(ctx context.Context, d *Delivery) error {
	client, err := a.broker.conn()
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, a.stream, consumerGroup, d.ID)
		pipe.XDel(ctx, a.stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

func (a *streamAcker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	client, err := a.broker.conn()
	if err != nil {
		return err
	}
	target := a.dead
	if requeue {
		target = a.stream
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		args := &redis.XAddArgs{Stream: target, Values: map[string]any{
			"body":        d.Body,
			"routing_key": d.RoutingKey,
			"priority":    d.Priority,
			"origin_id":   d.ID,
		}}
		if !requeue {
			args.MaxLen = deadLetterMaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
		pipe.XAck(ctx, a.stream, consumerGroup, d.ID)
		pipe.XDel(ctx, a.stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
