package sink

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickerflow/config"
	"tickerflow/logger"
	"tickerflow/models"
)

// KafkaSink publishes each tick of a batch as one JSON message, keyed by
// the canonical symbol so consumers can rely on per-pair ordering.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Entry
}

func NewKafkaSink(cfg *appconfig.Config) (*KafkaSink, error) {
	kc := cfg.Sinks.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	log := logger.GetLogger().WithComponent("kafka_sink")
	log.WithFields(logger.Fields{
		"brokers": kc.Brokers,
		"topic":   kc.Topic,
	}).Info("kafka sink initialized")

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(kc.Brokers...),
			Topic:    kc.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: log,
	}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, batch models.TickBatch) error {
	if batch.RecordCount == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, batch.RecordCount)
	for _, tick := range batch.Ticks {
		data, err := json.Marshal(tick)
		if err != nil {
			return fmt.Errorf("marshal tick %s: %w", tick.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(tick.Symbol),
			Value: data,
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", k.writer.Topic, err)
	}

	k.log.WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  batch.RecordCount,
	}).Debug("batch published to kafka")
	logger.IncrementSinkWrite("kafka", batch.RecordCount)
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
