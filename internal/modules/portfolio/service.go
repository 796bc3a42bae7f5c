package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// Store is the persistence surface a portfolio hands to its managers
type Store interface {
	SaveTransaction(tx domain.Transaction) error
	SaveSnapshot(portfolioID string, snap domain.PortfolioSnapshot) error
}

// Service is the portfolio registry. Creation and lookup take the
// registry lock; operations on a portfolio take only that portfolio's
// own locks, so different portfolios never contend.
type Service struct {
	mu         sync.RWMutex
	portfolios map[string]*Portfolio

	cfg      *config.Config
	store    Store
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewService creates an empty registry. store and eventBus may be nil.
func NewService(cfg *config.Config, store Store, eventBus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		portfolios: make(map[string]*Portfolio),
		cfg:        cfg,
		store:      store,
		eventBus:   eventBus,
		log:        log.With().Str("service", "portfolio_registry").Logger(),
	}
}

// Create validates the request, assembles a portfolio and registers it
func (s *Service) Create(req CreateRequest) (*Portfolio, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	p := New(id, req, s.cfg, s.store, s.eventBus, s.log)

	s.mu.Lock()
	s.portfolios[id] = p
	count := len(s.portfolios)
	s.mu.Unlock()

	s.log.Info().
		Str("portfolio_id", id).
		Str("name", req.Name).
		Str("exchange", req.Exchange).
		Str("initial_cash", req.InitialCash.String()).
		Int("total", count).
		Msg("Portfolio created")

	if s.eventBus != nil {
		s.eventBus.PublishData("portfolio", &events.PortfolioCreatedData{
			PortfolioID: id,
			Name:        req.Name,
			Exchange:    req.Exchange,
			InitialCash: req.InitialCash.String(),
		})
	}

	return p, nil
}

// Get looks up a portfolio by id
func (s *Service) Get(id string) (*Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "portfolio", ID: id}
	}
	return p, nil
}

// All returns every registered portfolio in creation order
func (s *Service) All() []*Portfolio {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// List returns every portfolio's identity card, oldest first
func (s *Service) List() []Info {
	portfolios := s.All()

	infos := make([]Info, len(portfolios))
	for i, p := range portfolios {
		infos[i] = p.Info()
	}
	return infos
}

// Count returns the number of registered portfolios
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.portfolios)
}

// BroadcastPrices marks every portfolio to market and publishes one
// prices.updated event. Warnings come back keyed by portfolio id.
func (s *Service) BroadcastPrices(prices domain.PriceMap, at time.Time, source string) map[string][]domain.Warning {
	if at.IsZero() {
		at = time.Now()
	}

	warnings := make(map[string][]domain.Warning)
	for _, p := range s.All() {
		if w := p.MarkToMarket(prices, at); len(w) > 0 {
			warnings[p.PortfolioID()] = w
		}
	}

	if s.eventBus != nil {
		instruments := make([]string, 0, len(prices))
		for instrument := range prices {
			instruments = append(instruments, instrument)
		}
		sort.Strings(instruments)
		s.eventBus.PublishData("portfolio", &events.PricesUpdatedData{
			Instruments: instruments,
			Timestamp:   at,
			Source:      source,
		})
	}

	return warnings
}

// SnapshotAll records a snapshot for every portfolio; the scheduler
// calls this periodically.
func (s *Service) SnapshotAll() int {
	portfolios := s.All()
	for _, p := range portfolios {
		p.Metrics().RecordSnapshot(time.Time{})
	}
	return len(portfolios)
}
