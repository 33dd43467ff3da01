// Package cart синхронизирует локальную корзину с удалённой: оптимистичные
// изменения, очередь на позицию, откат при ошибке.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
)

// Options задаёт параметры Synchronizer.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.StorefrontMetrics
	Policy  availability.Policy
	Events  domain.OutboxWriter
	Clock   func() time.Time
}

// Option настраивает Synchronizer.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики мутаций.
func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPolicy задаёт политику доступности для проверки максимума.
func WithPolicy(p availability.Policy) Option {
	return func(opts *Options) {
		opts.Policy = p
	}
}

// WithEvents задаёт outbox для событий корзины.
func WithEvents(w domain.OutboxWriter) Option {
	return func(opts *Options) {
		opts.Events = w
	}
}

// WithClock задаёт источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Synchronizer — единственный писатель корзины сессии.
type Synchronizer struct {
	remote  domain.CartService
	policy  availability.Policy
	events  domain.OutboxWriter
	logger  *log.Entry
	metrics *metrics.StorefrontMetrics
	now     func() time.Time

	mu         sync.Mutex
	cart       domain.Cart
	loaded     bool
	generation uint64
	inflight   []*command
	tails      map[string]chan struct{}
}

// NewSynchronizer создаёт Synchronizer поверх удалённого сервиса корзин.
func NewSynchronizer(remote domain.CartService, options ...Option) *Synchronizer {
	opts := Options{
		Policy: availability.NewPolicy(nil),
		Clock:  time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cart-synchronizer")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Synchronizer{
		remote:  remote,
		policy:  opts.Policy,
		events:  opts.Events,
		logger:  logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
		tails:   make(map[string]chan struct{}),
	}
}

// Cart возвращает текущий снимок корзины, включая оптимистичные изменения.
func (s *Synchronizer) Cart() (domain.Cart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.Cart{}, false
	}
	return s.cart.Clone(), true
}

// Pending возвращает число мутаций в полёте.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Load загружает корзину с сервера. Результаты мутаций, начатых до загрузки,
// будут отброшены.
func (s *Synchronizer) Load(ctx context.Context, cartID string) (domain.Cart, error) {
	cart, err := s.remote.GetCart(ctx, cartID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("load cart %s: %w", cartID, err)
	}
	if cart.ID != cartID {
		return domain.Cart{}, fmt.Errorf("%w: requested cart %s, got %q", domain.ErrInvalidResponse, cartID, cart.ID)
	}
	s.Attach(cart)
	return cart.Clone(), nil
}

// Create создаёт новую корзину в регионе и привязывает её.
func (s *Synchronizer) Create(ctx context.Context, regionID string) (domain.Cart, error) {
	cart, err := s.remote.CreateCart(ctx, regionID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("create cart: %w", err)
	}
	if cart.ID == "" || cart.RegionID != regionID {
		return domain.Cart{}, fmt.Errorf("%w: created cart %q bound to region %q", domain.ErrInvalidResponse, cart.ID, cart.RegionID)
	}
	s.Attach(cart)
	return cart.Clone(), nil
}

// Attach привязывает уже полученную корзину.
func (s *Synchronizer) Attach(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.cart = cart.Clone()
	s.loaded = true
	s.inflight = nil
}

// Reset отвязывает корзину (например, после смены региона).
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.cart = domain.Cart{}
	s.loaded = false
	s.inflight = nil
}

// Increment увеличивает количество позиции на 1.
func (s *Synchronizer) Increment(ctx context.Context, lineItemID string) (domain.Cart, error) {
	return s.mutate(ctx, domain.MutationIncrement, lineItemID, 1, 0)
}

// Decrement уменьшает количество позиции на 1. Количество не опускается ниже 1:
// для позиции с количеством 1 возвращается ErrQuantityBelowMinimum, удалять её нужно через Remove.
func (s *Synchronizer) Decrement(ctx context.Context, lineItemID string) (domain.Cart, error) {
	return s.mutate(ctx, domain.MutationDecrement, lineItemID, -1, 0)
}

// SetQuantity устанавливает количество позиции (>= 1).
func (s *Synchronizer) SetQuantity(ctx context.Context, lineItemID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		s.metrics.RecordMutationRejected(string(domain.MutationSetQuantity))
		return s.snapshot(), domain.ErrQuantityInvalid
	}
	return s.mutate(ctx, domain.MutationSetQuantity, lineItemID, 0, quantity)
}

// Remove удаляет позицию из корзины.
func (s *Synchronizer) Remove(ctx context.Context, lineItemID string) (domain.Cart, error) {
	return s.mutate(ctx, domain.MutationRemove, lineItemID, 0, 0)
}

// Add добавляет вариант в корзину. Если позиция с этим вариантом уже есть,
// мутация становится увеличением количества и встаёт в её очередь.
func (s *Synchronizer) Add(ctx context.Context, variant domain.Variant, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		s.metrics.RecordMutationRejected(string(domain.MutationAdd))
		return s.snapshot(), domain.ErrQuantityInvalid
	}
	if !s.policy.IsPurchasable(variant) {
		s.metrics.RecordMutationRejected(string(domain.MutationAdd))
		return s.snapshot(), domain.ErrVariantNotPurchasable
	}

	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return domain.Cart{}, domain.ErrCartNotLoaded
	}
	existing, found := s.cart.ItemByVariant(variant.ID)
	s.mu.Unlock()

	if found {
		if existing.Quantity+quantity > s.policy.MaxQuantity(variant) {
			s.metrics.RecordMutationRejected(string(domain.MutationAdd))
			return s.snapshot(), domain.ErrQuantityAboveMaximum
		}
		return s.mutate(ctx, domain.MutationIncrement, existing.ID, quantity, 0)
	}
	if quantity > s.policy.MaxQuantity(variant) {
		s.metrics.RecordMutationRejected(string(domain.MutationAdd))
		return s.snapshot(), domain.ErrQuantityAboveMaximum
	}

	s.mu.Lock()
	cmd := &command{
		intent: domain.CartMutationIntent{
			ID:       uuid.NewString(),
			CartID:   s.cart.ID,
			Kind:     domain.MutationAdd,
			Quantity: quantity,
			Snapshot: s.cart.Clone(),
			IssuedAt: s.now(),
		},
		variantID:   variant.ID,
		quantity:    quantity,
		maxQuantity: s.policy.MaxQuantity(variant),
		generation:  s.generation,
	}
	s.inflight = append(s.inflight, cmd)
	wait, release := s.enqueueLocked(cmd.queueKey())
	s.mu.Unlock()

	return s.run(ctx, cmd, wait, release)
}

func (s *Synchronizer) snapshot() domain.Cart {
	cart, _ := s.Cart()
	return cart
}

// mutate проверяет мутацию, применяет её оптимистично и ставит в очередь позиции.
func (s *Synchronizer) mutate(ctx context.Context, kind domain.MutationKind, lineItemID string, delta, quantity int) (domain.Cart, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return domain.Cart{}, domain.ErrCartNotLoaded
	}
	item, idx, ok := s.cart.Item(lineItemID)
	if !ok {
		s.mu.Unlock()
		s.metrics.RecordMutationRejected(string(kind))
		return s.snapshot(), domain.ErrLineItemNotFound
	}

	cmd := &command{
		intent: domain.CartMutationIntent{
			ID:         uuid.NewString(),
			CartID:     s.cart.ID,
			LineItemID: lineItemID,
			Kind:       kind,
			Snapshot:   s.cart.Clone(),
			IssuedAt:   s.now(),
		},
		variantID:  item.VariantID,
		delta:      delta,
		quantity:   quantity,
		optimistic: true,
		generation: s.generation,
		base:       &item,
		baseIndex:  idx,
	}

	if kind != domain.MutationRemove {
		target := cmd.target(item.Quantity)
		if err := s.checkQuantity(item, target); err != nil {
			s.mu.Unlock()
			s.metrics.RecordMutationRejected(string(kind))
			return s.snapshot(), err
		}
		cmd.intent.Quantity = target
	}

	s.cart = cmd.Apply(s.cart)
	s.inflight = append(s.inflight, cmd)
	wait, release := s.enqueueLocked(cmd.queueKey())
	s.mu.Unlock()

	return s.run(ctx, cmd, wait, release)
}

func (s *Synchronizer) checkQuantity(item domain.LineItem, target int) error {
	if target < 1 {
		return domain.ErrQuantityBelowMinimum
	}
	if target > item.Quantity && target > s.policy.LineItemMaxQuantity(item) {
		return domain.ErrQuantityAboveMaximum
	}
	return nil
}

// enqueueLocked ставит тикет в FIFO-очередь ключа. wait закрывается,
// когда завершится предыдущая мутация того же ключа.
func (s *Synchronizer) enqueueLocked(key string) (<-chan struct{}, func()) {
	prev := s.tails[key]
	mine := make(chan struct{})
	s.tails[key] = mine

	return prev, func() {
		s.mu.Lock()
		if s.tails[key] == mine {
			delete(s.tails, key)
		}
		s.mu.Unlock()
		close(mine)
	}
}

// run дожидается своей очереди, выполняет удалённый вызов и фиксирует результат.
func (s *Synchronizer) run(ctx context.Context, cmd *command, wait <-chan struct{}, release func()) (domain.Cart, error) {
	s.metrics.MutationStarted()
	defer s.metrics.MutationFinished()
	started := s.now()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			// Тикет передаётся дальше только после завершения предыдущей мутации,
			// иначе следующая ушла бы на сервер параллельно с ней.
			go func() {
				<-wait
				release()
			}()
			return s.settle(ctx, cmd, domain.Cart{}, ctx.Err(), started)
		}
	}
	defer release()

	s.mu.Lock()
	if cmd.generation != s.generation {
		s.mu.Unlock()
		return s.settle(ctx, cmd, domain.Cart{}, nil, started)
	}
	base := cmd.base
	cartID := s.cart.ID
	var existing int
	if item, ok := s.cart.ItemByVariant(cmd.variantID); ok {
		existing = item.Quantity
	}
	s.mu.Unlock()

	var (
		server domain.Cart
		err    error
	)
	switch cmd.intent.Kind {
	case domain.MutationAdd:
		// Пока add ждал очереди, предыдущий add того же варианта мог создать позицию.
		if existing+cmd.quantity > cmd.maxQuantity {
			err = domain.ErrQuantityAboveMaximum
			break
		}
		server, err = s.remote.AddLineItem(ctx, cartID, cmd.variantID, cmd.quantity)
	case domain.MutationRemove:
		if base == nil {
			err = domain.ErrLineItemNotFound
			break
		}
		server, err = s.remote.RemoveLineItem(ctx, cartID, cmd.intent.LineItemID)
	default:
		if base == nil {
			err = domain.ErrLineItemNotFound
			break
		}
		// Предыдущие мутации позиции уже завершены, base отражает их итог.
		target := cmd.target(base.Quantity)
		if err = s.checkQuantity(*base, target); err != nil {
			break
		}
		server, err = s.remote.UpdateLineItem(ctx, cartID, cmd.intent.LineItemID, target)
	}
	if err == nil {
		err = s.validateServerCart(server)
	}

	return s.settle(ctx, cmd, server, err, started)
}

func (s *Synchronizer) validateServerCart(server domain.Cart) error {
	s.mu.Lock()
	local := s.cart
	s.mu.Unlock()

	if server.ID != local.ID {
		return fmt.Errorf("%w: expected cart %s, got %q", domain.ErrInvalidResponse, local.ID, server.ID)
	}
	if local.RegionID != "" && server.RegionID != local.RegionID {
		return fmt.Errorf("%w: cart %s moved from region %s to %s", domain.ErrRegionMismatch, local.ID, local.RegionID, server.RegionID)
	}
	return nil
}

// settle фиксирует результат: при успехе корзина сервера заменяет
// оптимистичный снимок, при ошибке позиция откатывается.
func (s *Synchronizer) settle(ctx context.Context, cmd *command, server domain.Cart, err error, started time.Time) (domain.Cart, error) {
	op := string(cmd.intent.Kind)
	elapsed := s.now().Sub(started)
	logger := s.logger.WithFields(log.Fields{
		"cart_id":      cmd.intent.CartID,
		"line_item_id": cmd.intent.LineItemID,
		"intent_id":    cmd.intent.ID,
		"op":           op,
	})

	s.mu.Lock()
	s.removeInflightLocked(cmd)

	if cmd.generation != s.generation {
		s.mu.Unlock()
		s.metrics.RecordMutation(op, metrics.MutationResultSuperseded, elapsed)
		logger.Debug("discarding superseded cart mutation result")
		return s.snapshot(), domain.ErrSuperseded
	}

	if err != nil {
		s.cart = cmd.Rollback(s.cart)
		for _, next := range s.inflight {
			if next.queueKey() != cmd.queueKey() {
				continue
			}
			// Откат стёр и эффекты следующих мутаций позиции, применяем их заново.
			next.base = cloneItem(cmd.base)
			next.baseIndex = cmd.baseIndex
			s.cart = next.Apply(s.cart)
		}
		rolledBack := s.cart.Clone()
		s.mu.Unlock()

		s.metrics.RecordMutation(op, metrics.MutationResultRolledBack, elapsed)
		logger.WithError(err).Warn("cart mutation failed, rolled back")
		s.emit(ctx, domain.EventMutationRolledBack, cmd, rolledBack, err)
		return rolledBack, &domain.MutationError{
			Op:         cmd.intent.Kind,
			LineItemID: cmd.intent.LineItemID,
			Cart:       rolledBack,
			Err:        err,
		}
	}

	s.cart = cmd.Commit(server, s.inflight)
	for _, next := range s.inflight {
		if next.queueKey() != cmd.queueKey() {
			continue
		}
		if item, idx, ok := server.Item(next.intent.LineItemID); ok {
			next.base = &item
			next.baseIndex = idx
		} else {
			next.base = nil
		}
	}
	committed := s.cart.Clone()
	s.mu.Unlock()

	s.metrics.RecordMutation(op, metrics.MutationResultCommitted, elapsed)
	logger.Debug("cart mutation committed")

	eventType := domain.EventLineItemUpdated
	switch cmd.intent.Kind {
	case domain.MutationRemove:
		eventType = domain.EventLineItemRemoved
	case domain.MutationAdd:
		eventType = domain.EventLineItemAdded
	}
	s.emit(ctx, eventType, cmd, committed, nil)
	return committed, nil
}

func (s *Synchronizer) removeInflightLocked(cmd *command) {
	for i, c := range s.inflight {
		if c == cmd {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

// emit ставит событие в outbox независимо от отмены ctx запроса.
func (s *Synchronizer) emit(ctx context.Context, eventType string, cmd *command, cart domain.Cart, cause error) {
	if s.events == nil {
		return
	}

	event := domain.CartEvent{
		IntentID:   cmd.intent.ID,
		CartID:     cart.ID,
		RegionID:   cart.RegionID,
		LineItemID: cmd.intent.LineItemID,
		VariantID:  cmd.variantID,
		Op:         cmd.intent.Kind,
		Quantity:   cmd.intent.Quantity,
		OccurredAt: s.now().UTC(),
	}
	if cmd.intent.Kind == domain.MutationAdd {
		if item, ok := cart.ItemByVariant(cmd.variantID); ok {
			event.LineItemID = item.ID
			event.Quantity = item.Quantity
		}
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Warn("failed to marshal cart event")
		return
	}
	if _, err := s.events.Enqueue(context.WithoutCancel(ctx), domain.OutboxMessage{
		AggregateType: domain.AggregateTypeCart,
		AggregateID:   cart.ID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		s.logger.WithError(err).WithField("event_type", eventType).Warn("failed to enqueue cart event")
	}
}

func cloneItem(item *domain.LineItem) *domain.LineItem {
	if item == nil {
		return nil
	}
	c := *item
	return &c
}

// IsRollback сообщает, была ли ошибка мутации откатом оптимистичного изменения.
func IsRollback(err error) bool {
	return errors.Is(err, domain.ErrMutationFailed)
}
