package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// replayMessage — сообщение, восстановленное из записи DLQ.
type replayMessage struct {
	topic     string
	key       string
	value     []byte
	eventType string
}

// outboxDLQRecord лежит в Payload конверта, когда outbox worker исчерпал попытки.
type outboxDLQRecord struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// decodeDLQ восстанавливает исходное сообщение. ok == false без ошибки
// означает запись неизвестного формата.
func decodeDLQ(msg *sarama.ConsumerMessage, cartTopic string, now time.Time) (replayMessage, bool, error) {
	var record kafka.DeadLetter
	if err := json.Unmarshal(msg.Value, &record); err == nil && record.OriginalValue != "" {
		replay, err := decodeConsumerRecord(record, cartTopic)
		return replay, err == nil, err
	}

	var envelope kafka.CartEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var failed outboxDLQRecord
	if err := json.Unmarshal(envelope.Payload, &failed); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq record: %w", err)
	}
	if len(failed.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dlq record has no original payload")
	}

	replay := kafka.CartEnvelope{
		ID:            firstNonEmpty(failed.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(failed.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(failed.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(failed.EventType, envelope.EventType),
		Payload:       failed.Payload,
		PublishedAt:   now.UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic:     cartTopic,
		key:       firstNonEmpty(replay.AggregateID, replay.ID),
		value:     encoded,
		eventType: replay.EventType,
	}, true, nil
}

func decodeConsumerRecord(record kafka.DeadLetter, cartTopic string) (replayMessage, error) {
	topic := firstNonEmpty(strings.TrimSpace(record.OriginalTopic), cartTopic)
	replay := replayMessage{
		topic: topic,
		key:   record.OriginalKey,
		value: []byte(record.OriginalValue),
	}

	if topic == kafka.TopicRegionEvents {
		event, err := kafka.ParseRegionEvent(&sarama.ConsumerMessage{Value: []byte(record.OriginalValue)})
		if err != nil {
			return replayMessage{}, fmt.Errorf("invalid region event: %w", err)
		}
		replay.eventType = string(event.EventType)
	}
	return replay, nil
}

func (m replayMessage) producerMessage(now time.Time) *sarama.ProducerMessage {
	headers := []sarama.RecordHeader{{Key: []byte(headerReplayedAt), Value: []byte(now.UTC().Format(time.RFC3339))}}
	if m.eventType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderEventType), Value: []byte(m.eventType)})
	}
	return &sarama.ProducerMessage{
		Topic:     m.topic,
		Key:       sarama.StringEncoder(m.key),
		Value:     sarama.ByteEncoder(m.value),
		Headers:   headers,
		Timestamp: now.UTC(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
