package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// EventType определяет тип события
type EventType string

// События каталога, на которые подписан storefront.
const (
	EventTypeRegionUpdated EventType = "region.updated"
	EventTypeRegionDeleted EventType = "region.deleted"
	// EventTypeRegionsReloaded сбрасывает все закэшированные регионы.
	EventTypeRegionsReloaded EventType = "regions.reloaded"
)

// Topics для Kafka
const (
	TopicRegionEvents    = "catalog.region.events"
	TopicCartEvents      = "storefront.cart.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
)

// RegionEvent сообщает об изменении региона в каталоге.
type RegionEvent struct {
	EventType EventType `json:"event_type"`
	RegionID  string    `json:"region_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRegionEvent создает событие региона
func NewRegionEvent(eventType EventType, regionID string) *RegionEvent {
	return &RegionEvent{
		EventType: eventType,
		RegionID:  regionID,
		Timestamp: time.Now().UTC(),
	}
}

// ParseRegionEvent парсит RegionEvent из сообщения.
// Пустой region_id допустим только для regions.reloaded.
func ParseRegionEvent(message *sarama.ConsumerMessage) (*RegionEvent, error) {
	var event RegionEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal region event: %w", err)
	}
	event.RegionID = strings.TrimSpace(event.RegionID)

	switch event.EventType {
	case EventTypeRegionUpdated, EventTypeRegionDeleted:
		if event.RegionID == "" {
			return nil, fmt.Errorf("region event %q without region_id", event.EventType)
		}
	case EventTypeRegionsReloaded:
		event.RegionID = ""
	default:
		return nil, fmt.Errorf("unknown region event type %q", event.EventType)
	}
	return &event, nil
}
