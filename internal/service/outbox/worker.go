// Package outbox переносит события корзины из outbox в Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// значения label result у storefront_outbox_publish_attempts_total
const (
	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDLQFailed  = "dlq_failed"
)

// WorkerOptions задаёт параметры Worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.StorefrontMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDLQPublisher задаёт publisher, куда уходит событие после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

func WithClock(clock func() time.Time) Option {
	return func(opts *WorkerOptions) { opts.Clock = clock }
}

// Worker публикует события корзины из outbox в брокер.
// Порядок внутри батча сохраняется; событие, не ушедшее после всех
// попыток, получает статус failed и не блокирует следующие.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.StorefrontMetrics
	now       func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
}

// NewWorker создаёт Worker. Нулевой RetryBaseDelay отключает паузы между попытками.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{RetryBaseDelay: defaultRetryBaseDelay}
	for _, option := range options {
		option(&opts)
	}

	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		dlq:          opts.DLQPublisher,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Clock,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    max(opts.RetryBaseDelay, 0),
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	return w
}

// Run опрашивает outbox каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч и возвращает число отправленных событий.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	batch, err := w.repo.NextBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to read pending cart events")
		return 0
	}

	sent := 0
	for _, event := range batch {
		outcome, ok := w.deliver(ctx, event)
		if !ok {
			// отмена: событие остаётся pending до следующего запуска
			break
		}
		if err := w.repo.Settle(ctx, event.ID, outcome); err != nil {
			w.eventLogger(event).WithError(err).Warn("failed to settle cart event")
			continue
		}
		if outcome.Status == domain.OutboxSent {
			sent++
		}
	}

	if ctx.Err() == nil {
		w.refreshBacklog(ctx)
	}
	return sent
}

// deliver публикует событие с повторами; ok=false, если ctx отменён до итога.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) (domain.OutboxOutcome, bool) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 && !w.sleep(ctx, w.backoff(attempt-1)) {
			return domain.OutboxOutcome{}, false
		}

		lastErr = w.publisher.Publish(event)
		if lastErr == nil {
			w.metrics.RecordOutboxAttempt(resultSent)
			return domain.OutboxOutcome{Status: domain.OutboxSent, Attempts: attempt}, true
		}
		w.metrics.RecordOutboxAttempt(resultRetryError)
		if ctx.Err() != nil {
			return domain.OutboxOutcome{}, false
		}
	}

	logger := w.eventLogger(event).WithField("attempts", w.maxAttempts)
	logger.WithError(lastErr).Error("cart event publish failed after retries")
	w.metrics.RecordOutboxAttempt(resultFailed)
	if err := w.sendToDLQ(event, lastErr); err != nil {
		logger.WithError(err).Warn("failed to publish cart event to DLQ")
		w.metrics.RecordOutboxAttempt(resultDLQFailed)
	}

	return domain.OutboxOutcome{
		Status:   domain.OutboxFailed,
		Attempts: w.maxAttempts,
		Error:    lastErr.Error(),
	}, true
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoff возвращает паузу после n-й неудачной попытки.
func (w *Worker) backoff(n int) time.Duration {
	if w.baseDelay <= 0 {
		return 0
	}
	delay := w.baseDelay
	for i := 1; i < n && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Backlog(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, stats.FailedCount, age)
}

func (w *Worker) eventLogger(event domain.OutboxMessage) *log.Entry {
	return w.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"cart_id":    event.AggregateID,
	})
}

// dlqEnvelope — содержимое сообщения в DLQ: исходное событие и причина отказа.
type dlqEnvelope struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	DeadLetterAt  time.Time       `json:"dead_letter_at"`
}

func (w *Worker) sendToDLQ(event domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(dlqEnvelope{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		Attempts:      w.maxAttempts,
		PublishError:  cause.Error(),
		EnqueuedAt:    event.CreatedAt.UTC(),
		DeadLetterAt:  w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}

	dead := event
	dead.Payload = body
	if err := w.dlq.Publish(dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
