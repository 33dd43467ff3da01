package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/favorites"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/region"
)

// DefaultCapacity — число живых сессий в памяти.
const DefaultCapacity = 10000

// Options задаёт параметры Manager.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.StorefrontMetrics
	Policy         availability.Policy
	Events         domain.OutboxWriter
	Pricing        *pricing.Engine
	Capacity       int
	DefaultCountry string
	FeedbackDelay  time.Duration
	Clock          func() time.Time
}

// Option настраивает Manager.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

func WithPolicy(p availability.Policy) Option {
	return func(opts *Options) { opts.Policy = p }
}

// WithEvents включает публикацию событий корзины через outbox.
func WithEvents(w domain.OutboxWriter) Option {
	return func(opts *Options) { opts.Events = w }
}

// WithPricing подключает движок цен: ценники региона сбрасываются в InvalidateRegion.
func WithPricing(e *pricing.Engine) Option {
	return func(opts *Options) { opts.Pricing = e }
}

func WithCapacity(n int) Option {
	return func(opts *Options) { opts.Capacity = n }
}

// WithDefaultCountry задаёт страну по умолчанию, если запрос её не передал.
func WithDefaultCountry(code string) Option {
	return func(opts *Options) { opts.DefaultCountry = code }
}

func WithFeedbackDelay(d time.Duration) Option {
	return func(opts *Options) { opts.FeedbackDelay = d }
}

func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Manager хранит живые сессии в LRU. Вытесненная сессия восстанавливается
// из KeyValueStore при следующем обращении.
type Manager struct {
	catalog domain.Catalog
	store   domain.KeyValueStore
	opts    Options
	logger  *log.Entry

	mu       sync.Mutex
	sessions *lru.Cache[string, *Session]
}

// NewManager создаёт реестр сессий.
func NewManager(catalog domain.Catalog, store domain.KeyValueStore, options ...Option) (*Manager, error) {
	opts := Options{
		Capacity:      DefaultCapacity,
		Policy:        availability.NewPolicy(nil),
		FeedbackDelay: cart.DefaultFeedbackDelay,
		Clock:         time.Now,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "session-manager")
	}

	m := &Manager{catalog: catalog, store: store, opts: opts, logger: logger}
	sessions, err := lru.NewWithEvict[string, *Session](opts.Capacity, func(id string, _ *Session) {
		logger.WithField("session_id", id).Debug("session evicted")
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	m.sessions = sessions
	return m, nil
}

// Get возвращает сессию, создавая её при первом обращении. countryHint
// учитывается только при создании.
func (m *Manager) Get(sessionID, countryHint string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions.Get(sessionID); ok {
		return s
	}

	hint := strings.TrimSpace(countryHint)
	if hint == "" {
		hint = m.opts.DefaultCountry
	}
	logger := m.logger.WithField("session_id", sessionID)
	storage := domain.Scope(m.store, sessionID)

	s := &Session{
		ID:        sessionID,
		Favorites: favorites.NewStore(storage, logger),
		catalog:   m.catalog,
		storage:   storage,
		logger:    logger,
		feedback:  m.opts.FeedbackDelay,
		now:       m.opts.Clock,
		buttons:   make(map[string]*cart.Button),
		cartOpts: []cart.Option{
			cart.WithLogger(logger.WithField("component", "cart-synchronizer")),
			cart.WithMetrics(m.opts.Metrics),
			cart.WithPolicy(m.opts.Policy),
			cart.WithEvents(m.opts.Events),
			cart.WithClock(m.opts.Clock),
		},
	}
	s.Region = region.NewResolver(m.catalog, storage,
		region.WithLogger(logger.WithField("component", "region-resolver")),
		region.WithMetrics(m.opts.Metrics),
		region.WithCountryHint(hint),
		region.WithListener(s.onRegionChange),
	)

	m.sessions.Add(sessionID, s)
	m.opts.Metrics.SetLiveSessions(m.sessions.Len())
	return s
}

// InvalidateRegion инвалидирует регион во всех живых сессиях, разрешённых
// в regionID. Пустой regionID инвалидирует все сессии. Возвращает число сессий.
func (m *Manager) InvalidateRegion(regionID string) int {
	if m.opts.Pricing != nil {
		m.opts.Pricing.InvalidateRegion(regionID)
	}

	m.mu.Lock()
	targets := make([]*Session, 0)
	for _, id := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(id)
		if !ok {
			continue
		}
		if regionID == "" || s.Region.RegionID() == regionID {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.Region.Invalidate()
	}
	if len(targets) > 0 {
		m.logger.WithFields(log.Fields{
			"region_id": regionID,
			"sessions":  len(targets),
		}).Info("region invalidated for live sessions")
	}
	return len(targets)
}

// Len возвращает число живых сессий.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Policy возвращает политику доступности, общую для всех сессий.
func (m *Manager) Policy() availability.Policy {
	return m.opts.Policy
}
