package kafka

import (
	"context"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// RegionInvalidator сбрасывает закэшированные регионы сессий.
// Пустой regionID означает «все регионы».
type RegionInvalidator interface {
	InvalidateRegion(regionID string) int
}

// NewRegionEventHandler возвращает MessageHandler для TopicRegionEvents.
// Некорректные события логируются и подтверждаются: повтор их не исправит.
func NewRegionEventHandler(invalidator RegionInvalidator) MessageHandler {
	logger := log.WithField("component", "region-events")
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := ParseRegionEvent(message)
		if err != nil {
			logger.WithError(err).WithField("offset", message.Offset).Warn("skipping malformed region event")
			return nil
		}

		affected := invalidator.InvalidateRegion(event.RegionID)
		logger.WithFields(log.Fields{
			"event_type": event.EventType,
			"region_id":  event.RegionID,
			"sessions":   affected,
		}).Info("region invalidated")
		return nil
	}
}
