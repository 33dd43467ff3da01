package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CartEnvelope — запись в storefront.cart.events.
type CartEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// CartEventPublisher отдаёт события корзины из outbox в один topic.
// Ключ записи равен id корзины, поэтому события корзины остаются в одной партиции по порядку.
type CartEventPublisher struct {
	producer *Producer
	topic    string
}

func NewOutboxPublisher(producer *Producer, topic string) *CartEventPublisher {
	if topic == "" {
		topic = TopicCartEvents
	}
	return &CartEventPublisher{producer: producer, topic: topic}
}

func (p *CartEventPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("cart event publisher has no producer")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	return p.producer.SendJSON(p.topic, key, CartEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   p.producer.now().UTC(),
	},
		Header(HeaderEventType, event.EventType),
		Header(HeaderOutboxID, event.ID),
	)
}

var _ domain.OutboxPublisher = (*CartEventPublisher)(nil)
