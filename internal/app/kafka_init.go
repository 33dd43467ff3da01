package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Пустой список даёт nil, nil: storefront работает без Kafka.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// startRegionConsumer подписывает реестр сессий на события регионов каталога.
func startRegionConsumer(ctx context.Context, cfg Config, dlq *kafka.Producer, invalidator kafka.RegionInvalidator, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(
		cfg.Brokers(),
		cfg.KafkaGroupID,
		[]string{cfg.RegionEventsTopic},
		kafka.NewRegionEventHandler(invalidator),
		kafka.WithDeadLetters(dlq),
		kafka.WithMaxRetries(kafka.DefaultMaxRetries),
	)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	logger.WithField("topic", cfg.RegionEventsTopic).Info("region events consumer started")
	return consumer, nil
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop region events consumer")
	}
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
