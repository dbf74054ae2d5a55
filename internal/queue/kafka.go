package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// KafkaQueue is a Kafka-backed Publisher/Consumer for one topic. Messages
// are keyed by the grouping key, so Kafka's partitioner keeps per-key FIFO
// order; consumer groups provide at-least-once delivery because offsets are
// only marked after the handler succeeds.
type KafkaQueue struct {
	brokers []string
	topic   string
	groupID string
	deduper Deduper
	logger  *slog.Logger

	producer sarama.SyncProducer
}

// NewKafkaQueue creates a Kafka queue over the given topic.
func NewKafkaQueue(brokers []string, topic, groupID string, deduper Deduper, logger *slog.Logger) (*KafkaQueue, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // keep per-partition ordering across retries

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer for %s: %w", topic, err)
	}

	logger.Info("kafka queue ready", "topic", topic, "group_id", groupID, "brokers", brokers)

	return &KafkaQueue{
		brokers:  brokers,
		topic:    topic,
		groupID:  groupID,
		deduper:  deduper,
		logger:   logger,
		producer: producer,
	}, nil
}

// Publish implements Publisher.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	if q.deduper != nil && msg.DedupID != "" {
		seen, err := q.deduper.Seen(ctx, msg.DedupID)
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		if seen {
			q.logger.Debug("duplicate message dropped", "dedup_id", msg.DedupID)
			return nil
		}
	}

	_, _, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Body),
	})
	if err != nil {
		// Release the claimed dedup id so the caller's retry is not
		// dropped as a duplicate of this failed send.
		if q.deduper != nil && msg.DedupID != "" {
			_ = q.deduper.Forget(ctx, msg.DedupID)
		}
		return fmt.Errorf("publish to %s: %w", q.topic, err)
	}
	return nil
}

// Consume implements Consumer, blocking until ctx is cancelled.
func (q *KafkaQueue) Consume(ctx context.Context, handler Handler) error {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(q.brokers, q.groupID, config)
	if err != nil {
		return fmt.Errorf("create consumer group %s: %w", q.groupID, err)
	}
	defer func() { _ = group.Close() }()

	cgh := &consumerGroupHandler{handler: handler, logger: q.logger}
	for {
		if err := group.Consume(ctx, []string{q.topic}, cgh); err != nil {
			q.logger.Error("consume failed", "topic", q.topic, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close releases the producer.
func (q *KafkaQueue) Close() error {
	return q.producer.Close()
}

type consumerGroupHandler struct {
	handler Handler
	logger  *slog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case kmsg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			msg := Message{Key: string(kmsg.Key), Body: kmsg.Value}
			if err := h.handler(session.Context(), msg); err != nil {
				// Do not mark the offset: the message redelivers after
				// the session rebalances.
				h.logger.Warn("message processing failed, leaving unacknowledged",
					"topic", kmsg.Topic,
					"partition", kmsg.Partition,
					"offset", kmsg.Offset,
					"error", err,
				)
				return fmt.Errorf("handle message at %s/%d@%d: %w", kmsg.Topic, kmsg.Partition, kmsg.Offset, err)
			}
			session.MarkMessage(kmsg, "")
		}
	}
}
