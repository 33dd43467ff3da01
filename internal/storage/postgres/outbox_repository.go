package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultOutboxBatch = 100

// CartOutbox — outbox событий корзины в таблице outbox_messages.
// Выдача идёт по seq: события одной корзины публикуются в порядке мутаций.
type CartOutbox struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт outbox поверх пула Store.
func NewOutboxRepository(store *Store) *CartOutbox {
	return &CartOutbox{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (o *CartOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.Payload) == 0 {
		msg.Payload = []byte("{}")
	}

	err := o.db.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue cart event %s: %w", msg.EventType, err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (o *CartOutbox) NextBatch(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY seq
		LIMIT $2`, string(domain.OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending cart events: %w", err)
	}
	defer rows.Close()

	batch := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		msg, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending cart events: %w", err)
	}
	return batch, nil
}

func scanOutboxRow(rows *sql.Rows) (domain.OutboxMessage, error) {
	var msg domain.OutboxMessage
	if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &msg.CreatedAt); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("scan cart event: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// Settle переводит событие в sent или failed вместе с числом попыток и текстом ошибки.
func (o *CartOutbox) Settle(ctx context.Context, id string, outcome domain.OutboxOutcome) error {
	if outcome.Status != domain.OutboxSent && outcome.Status != domain.OutboxFailed {
		return fmt.Errorf("settle cart event %s: unexpected status %q", id, outcome.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var settled string
	err := o.db.QueryRowContext(ctx, `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + $3,
		    last_error = $4,
		    settled_at = $5,
		    updated_at = $5
		WHERE id = $1
		RETURNING id`,
		id, string(outcome.Status), outcome.Attempts, outcome.Error, o.now(),
	).Scan(&settled)
	if err == sql.ErrNoRows {
		return domain.ErrOutboxPublish
	}
	if err != nil {
		return fmt.Errorf("settle cart event %s as %s: %w", id, outcome.Status, err)
	}
	return nil
}

func (o *CartOutbox) Backlog(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := o.db.QueryRowContext(ctx, `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status = 'failed'),
		    MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages`,
	).Scan(&stats.PendingCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog query: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

// PurgeIdle удаляет отправленные события, завершённые раньше now-maxAge.
// Failed-события остаются для ручного разбора.
func (o *CartOutbox) PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE status = 'sent' AND settled_at < $1`,
		o.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge sent cart events: %w", err)
	}
	return res.RowsAffected()
}

var _ domain.OutboxRepository = (*CartOutbox)(nil)
