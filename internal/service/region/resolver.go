// Package region определяет активный регион сессии.
package region

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// State — состояние разрешения региона.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Причины смены региона.
const (
	ReasonResolved    = "resolved"
	ReasonSwitched    = "switched"
	ReasonInvalidated = "invalidated"
)

// Change описывает смену или инвалидацию региона.
type Change struct {
	Previous domain.Region
	Current  domain.Region
	Reason   string
}

// Listener получает уведомления о смене региона. Вызывается вне блокировок.
type Listener func(Change)

// Options задаёт параметры Resolver.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.StorefrontMetrics
	CountryHint string
	Listeners   []Listener
	Clock       func() time.Time
}

// Option настраивает Resolver.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithCountryHint задаёт код страны, который имеет приоритет при выборе из списка.
func WithCountryHint(code string) Option {
	return func(opts *Options) {
		opts.CountryHint = code
	}
}

// WithListener подписывает listener на смену региона.
func WithListener(l Listener) Option {
	return func(opts *Options) {
		opts.Listeners = append(opts.Listeners, l)
	}
}

// Resolver разрешает регион один раз на сессию и переиспользует результат
// до явной инвалидации или смены.
type Resolver struct {
	catalog     domain.RegionCatalog
	storage     domain.Storage
	logger      *log.Entry
	metrics     *metrics.StorefrontMetrics
	countryHint string
	now         func() time.Time

	flights singleflight.Group
	// persistMu упорядочивает запись region_id между разрешением и Switch.
	persistMu sync.Mutex

	mu         sync.Mutex
	state      State
	region     domain.Region
	hasRegion  bool
	stale      bool
	generation uint64
	switches   uint64
	listeners  []Listener
}

// NewResolver создаёт Resolver поверх каталога регионов и хранилища сессии.
func NewResolver(catalog domain.RegionCatalog, storage domain.Storage, options ...Option) *Resolver {
	opts := Options{Clock: time.Now}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "region-resolver")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Resolver{
		catalog:     catalog,
		storage:     storage,
		logger:      logger,
		metrics:     opts.Metrics,
		countryHint: strings.TrimSpace(opts.CountryHint),
		now:         opts.Clock,
		listeners:   opts.Listeners,
	}
}

// OnChange подписывает listener на смену региона.
func (r *Resolver) OnChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// State возвращает текущее состояние.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current возвращает регион, если он разрешён.
func (r *Resolver) Current() (domain.Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateResolved {
		return domain.Region{}, false
	}
	return r.region, true
}

// Resolve возвращает активный регион. Уже разрешённый регион возвращается
// без обращения к каталогу; конкурентные вызовы разделяют одно разрешение.
// Ошибка означает «региона пока нет» и не является фатальной.
func (r *Resolver) Resolve(ctx context.Context) (domain.Region, error) {
	r.mu.Lock()
	if r.state == StateResolved && !r.stale {
		region := r.region
		r.mu.Unlock()
		r.metrics.RecordRegionResolution(metrics.RegionResultCached)
		return region, nil
	}
	gen := r.generation
	r.mu.Unlock()

	// Запрос разделяется между вызывающими, поэтому отмена одного
	// вызывающего не должна прерывать его для остальных.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.flights.DoChan("resolve-"+strconv.FormatUint(gen, 10), func() (any, error) {
		return r.resolve(flightCtx, gen)
	})

	select {
	case <-ctx.Done():
		return domain.Region{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Region{}, res.Err
		}
		return res.Val.(domain.Region), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, gen uint64) (domain.Region, error) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return r.superseded()
	}
	if r.state == StateResolved && !r.stale {
		region := r.region
		r.mu.Unlock()
		return region, nil
	}
	prevState := StateUninitialized
	if r.hasRegion {
		prevState = StateResolved
	}
	r.state = StateResolving
	switches := r.switches
	r.mu.Unlock()

	started := r.now()
	region, healed, err := r.fetch(ctx)
	r.metrics.RecordRegionDuration(r.now().Sub(started))

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		r.logger.WithField("generation", gen).Debug("discarding superseded region resolution")
		return r.superseded()
	}
	if err != nil {
		// Временная ошибка: возвращаемся в прежнее состояние, ключ в хранилище не трогаем.
		// Устаревший регион остаётся устаревшим до успешного разрешения.
		r.state = prevState
		fallback, hasFallback := r.region, prevState == StateResolved
		r.mu.Unlock()

		r.metrics.RecordRegionResolution(metrics.RegionResultTransient)
		r.logger.WithError(err).Warn("region resolution failed, keeping previous state")
		if hasFallback {
			return fallback, nil
		}
		return domain.Region{}, fmt.Errorf("%w: %w", domain.ErrRegionUnavailable, err)
	}

	previous := r.region
	changed := r.hasRegion && previous.ID != region.ID
	r.region = region
	r.hasRegion = true
	r.stale = false
	r.state = StateResolved
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	// Идентификатор пересохраняется и при успешном чтении по id,
	// чтобы все потребители хранилища видели один источник истины.
	r.persistUnlessSwitched(ctx, switches, region.ID)

	result := metrics.RegionResultResolved
	if healed {
		result = metrics.RegionResultSelfHealed
	}
	r.metrics.RecordRegionResolution(result)
	r.logger.WithFields(log.Fields{
		"region_id":   region.ID,
		"currency":    region.CurrencyCode,
		"self_healed": healed,
	}).Info("region resolved")

	if changed {
		notify(listeners, Change{Previous: previous, Current: region, Reason: ReasonResolved})
	}
	return region, nil
}

func (r *Resolver) superseded() (domain.Region, error) {
	r.metrics.RecordRegionResolution(metrics.RegionResultSuperseded)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateResolved && !r.stale {
		return r.region, nil
	}
	return domain.Region{}, fmt.Errorf("%w: %w", domain.ErrRegionUnavailable, domain.ErrSuperseded)
}

// fetch выполняет сетевую часть разрешения. healed == true, если сохранённый
// идентификатор оказался устаревшим и регион выбран заново из списка.
func (r *Resolver) fetch(ctx context.Context) (domain.Region, bool, error) {
	healed := false

	storedID, ok, err := r.storage.Get(ctx, domain.StorageKeyRegionID)
	if err != nil {
		r.logger.WithError(err).Warn("failed to read persisted region id")
		ok = false
	}

	if ok && storedID != "" {
		region, err := r.catalog.GetRegion(ctx, storedID)
		switch {
		case err == nil:
			if err := region.Validate(); err != nil {
				return domain.Region{}, false, err
			}
			return region, false, nil
		case errors.Is(err, domain.ErrNotFound):
			r.logger.WithField("region_id", storedID).Info("persisted region not found, re-resolving from region list")
			if err := r.storage.Delete(ctx, domain.StorageKeyRegionID); err != nil {
				r.logger.WithError(err).Warn("failed to clear stale region id")
			}
			healed = true
		default:
			return domain.Region{}, false, fmt.Errorf("get region %s: %w", storedID, err)
		}
	}

	regions, err := r.catalog.ListRegions(ctx)
	if err != nil {
		return domain.Region{}, false, fmt.Errorf("list regions: %w", err)
	}
	region, err := SelectRegion(regions, r.countryHint)
	if err != nil {
		return domain.Region{}, false, err
	}
	return region, healed, nil
}

// persistUnlessSwitched сохраняет результат разрешения, если после его начала
// не было Switch: выбор пользователя в хранилище не перезаписывается.
func (r *Resolver) persistUnlessSwitched(ctx context.Context, switches uint64, id string) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	switched := r.switches != switches
	r.mu.Unlock()
	if switched {
		r.logger.WithField("region_id", id).Debug("skipping persist of superseded region")
		return
	}
	r.persist(ctx, id)
}

func (r *Resolver) persist(ctx context.Context, id string) {
	if err := r.storage.Set(ctx, domain.StorageKeyRegionID, id); err != nil {
		r.logger.WithError(err).WithField("region_id", id).Warn("failed to persist region id")
	}
}

// SelectRegion выбирает первый регион, содержащий страну countryCode,
// иначе первый регион списка.
func SelectRegion(regions []domain.Region, countryCode string) (domain.Region, error) {
	if len(regions) == 0 {
		return domain.Region{}, fmt.Errorf("%w: region list is empty", domain.ErrInvalidResponse)
	}

	chosen := regions[0]
	if countryCode != "" {
		for _, region := range regions {
			if region.HasCountry(countryCode) {
				chosen = region
				break
			}
		}
	}
	if err := chosen.Validate(); err != nil {
		return domain.Region{}, err
	}
	return chosen, nil
}

// Switch выполняет явную смену региона пользователем. Ошибки каталога
// (включая ErrNotFound) возвращаются вызывающему, состояние не меняется.
func (r *Resolver) Switch(ctx context.Context, regionID string) (domain.Region, error) {
	region, err := r.catalog.GetRegion(ctx, regionID)
	if err != nil {
		return domain.Region{}, fmt.Errorf("switch region %s: %w", regionID, err)
	}
	if err := region.Validate(); err != nil {
		return domain.Region{}, err
	}
	r.persistMu.Lock()
	r.persist(ctx, region.ID)
	r.mu.Lock()
	previous := r.region
	r.region = region
	r.hasRegion = true
	r.stale = false
	r.state = StateResolved
	r.generation++
	r.switches++
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	r.persistMu.Unlock()

	r.logger.WithFields(log.Fields{
		"region_id":   region.ID,
		"previous_id": previous.ID,
	}).Info("region switched")
	notify(listeners, Change{Previous: previous, Current: region, Reason: ReasonSwitched})
	return region, nil
}

// Invalidate помечает регион устаревшим: следующий Resolve обратится к каталогу,
// а результаты уже начатых разрешений будут отброшены.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.generation++
	previous := r.region
	hadRegion := r.hasRegion
	if r.hasRegion {
		r.stale = true
		r.state = StateResolving
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	if hadRegion {
		r.logger.WithField("region_id", previous.ID).Info("region invalidated")
		notify(listeners, Change{Previous: previous, Current: previous, Reason: ReasonInvalidated})
	}
}

// RegionID возвращает идентификатор последнего известного региона.
func (r *Resolver) RegionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region.ID
}

func notify(listeners []Listener, change Change) {
	for _, l := range listeners {
		l(change)
	}
}
