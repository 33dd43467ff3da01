package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	seq       uint64
	outcome   domain.OutboxOutcome
	settledAt time.Time
}

// OutboxRepository — in-memory outbox событий корзины для драйверов без PostgreSQL.
// Содержимое теряется при рестарте.
type OutboxRepository struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой in-memory outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = r.now()
	r.seq++
	r.entries[msg.ID] = &outboxEntry{
		msg:     msg,
		seq:     r.seq,
		outcome: domain.OutboxOutcome{Status: domain.OutboxPending},
	}
	return msg, nil
}

func (r *OutboxRepository) NextBatch(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := r.pendingLocked()
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *OutboxRepository) Settle(ctx context.Context, id string, outcome domain.OutboxOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if outcome.Status != domain.OutboxSent && outcome.Status != domain.OutboxFailed {
		return fmt.Errorf("settle cart event %s: unexpected status %q", id, outcome.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	outcome.Attempts += entry.outcome.Attempts
	entry.outcome = outcome
	entry.settledAt = r.now()
	return nil
}

func (r *OutboxRepository) Backlog(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, entry := range r.entries {
		switch entry.outcome.Status {
		case domain.OutboxPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || entry.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = entry.msg.CreatedAt
			}
		case domain.OutboxFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

// PurgeIdle удаляет отправленные события, завершённые раньше now-maxAge.
func (r *OutboxRepository) PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var deleted int64
	for id, entry := range r.entries {
		if entry.outcome.Status == domain.OutboxSent && entry.settledAt.Before(cutoff) {
			delete(r.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

// Outcome возвращает итог публикации события.
func (r *OutboxRepository) Outcome(id string) (domain.OutboxOutcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return domain.OutboxOutcome{}, false
	}
	return entry.outcome, true
}

func (r *OutboxRepository) pendingLocked() []domain.OutboxMessage {
	entries := make([]*outboxEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.outcome.Status == domain.OutboxPending {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]domain.OutboxMessage, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.msg)
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
