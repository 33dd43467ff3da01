package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxRetries — общий бюджет обработки записи с учётом x-retry-count.
	DefaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// MessageHandler обрабатывает одну запись. Ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// DeadLetter — запись, которую consumer кладёт в DLQ, когда обработчик не справился.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetters включает DLQ: записи с исчерпанным бюджетом уходят в TopicDeadLetterQueue.
func WithDeadLetters(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.dlq = producer }
}

func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = max(d, 0) }
}

// Consumer читает topics в consumer group и подтверждает offset только после обработки.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	dlq        *Producer
	logger     *log.Entry
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time

	wg sync.WaitGroup
}

func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = DefaultClientID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		maxRetries: DefaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение в фоне и возвращается сразу.
func (c *Consumer) Start(ctx context.Context) error {
	if c.group == nil {
		return errors.New("kafka consumer group is not initialized")
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consumer group session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	err := c.group.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает партицию. Запись без итога не помечается,
// и группа перечитает её после rebalance.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(ctx, message); err != nil {
				c.recordLogger(message).WithError(err).Error("record left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process тратит остаток бюджета попыток; nil означает «можно коммитить».
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	done := retryCount(message)
	budget := max(c.maxRetries-done, 1)

	var err error
	for attempt := range budget {
		if attempt > 0 {
			c.recordLogger(message).WithField("retry_count", done+attempt).Warn("retrying record")
			if waitErr := sleepCtx(ctx, c.retryDelay); waitErr != nil {
				return waitErr
			}
		}
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
	}

	if done+budget < c.maxRetries || c.dlq == nil {
		return err
	}
	if dlqErr := c.deadLetter(message, done+budget, err); dlqErr != nil {
		return fmt.Errorf("dead-letter record: %w", dlqErr)
	}
	c.recordLogger(message).WithError(err).Info("record moved to DLQ")
	return nil
}

func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, retries int, cause error) error {
	failedAt := c.now().UTC()
	return c.dlq.SendJSON(TopicDeadLetterQueue, string(message.Key), DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Error:             cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        retries,
	},
		Header(HeaderOriginalTopic, message.Topic),
		Header(HeaderErrorMessage, cause.Error()),
		Header(HeaderFailedAt, failedAt.Format(time.RFC3339)),
		Header(HeaderRetryCount, strconv.Itoa(retries)),
	)
}

func (c *Consumer) recordLogger(message *sarama.ConsumerMessage) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})
}

// retryCount читает x-retry-count; отсутствующий или битый заголовок даёт 0.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == HeaderRetryCount {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
			return 0
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
