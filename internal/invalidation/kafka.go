package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Publisher is what the ingest pipeline uses to announce table replaces.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaConfig holds the broker settings shared by publisher and consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaPublisher writes events to the invalidation topic, keyed by schema so
// one schema's events stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    cfg.Topic,
		log:      log.With().Str("component", "invalidation_publisher").Logger(),
	}, nil
}

func (p *KafkaPublisher) Publish(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.Schema),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	p.log.Debug().
		Str("schema", e.Schema).
		Str("table", e.Table).
		Msg("invalidation published")
	return nil
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// SchemaInvalidator is the cache side the consumer drives.
type SchemaInvalidator interface {
	Invalidate(ctx context.Context, schema string) error
}

// Consumer drops cached tiles when replace events arrive. It runs until the
// context is cancelled.
type Consumer struct {
	cfg   KafkaConfig
	cache SchemaInvalidator
	log   zerolog.Logger
}

func NewConsumer(cfg KafkaConfig, cache SchemaInvalidator, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:   cfg,
		cache: cache,
		log:   log.With().Str("component", "invalidation_consumer").Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("invalidation consumer: cache is required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Group.Session.Timeout = 10 * time.Second

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, sc)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	h := &handler{cache: c.cache, log: c.log}
	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type handler struct {
	cache SchemaInvalidator
	log   zerolog.Logger
}

func (h *handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var e Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			h.log.Warn().Err(err).Msg("bad invalidation payload, skipping")
			sess.MarkMessage(msg, "")
			continue
		}
		if err := e.Validate(); err != nil {
			h.log.Warn().Err(err).Msg("invalid invalidation event, skipping")
			sess.MarkMessage(msg, "")
			continue
		}
		if err := h.cache.Invalidate(sess.Context(), e.Schema); err != nil {
			h.log.Error().Err(err).Str("schema", e.Schema).Msg("cache invalidation failed")
		} else {
			h.log.Info().Str("schema", e.Schema).Str("table", e.Table).Msg("cache invalidated")
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
