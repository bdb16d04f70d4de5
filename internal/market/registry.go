package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Entry guards one market. Mutations hold the write lock for their whole
// validate, journal and commit sequence; reads hold the read lock while
// copying a snapshot.
type Entry struct {
	mu sync.RWMutex
	m  *model.Market
}

func (e *Entry) Lock()    { e.mu.Lock() }
func (e *Entry) Unlock()  { e.mu.Unlock() }
func (e *Entry) RLock()   { e.mu.RLock() }
func (e *Entry) RUnlock() { e.mu.RUnlock() }

// Current returns the live market. The caller must hold the lock and must
// not modify the returned value.
func (e *Entry) Current() *model.Market { return e.m }

// Commit replaces the market. The caller must hold the write lock.
func (e *Entry) Commit(m *model.Market) { e.m = m }

// Snapshot returns a copy of the market with its status derived at now.
func (e *Entry) Snapshot(now time.Time) *model.Market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.m.Clone()
	c.Status = StatusAt(c, now)
	return c
}

// Registry owns all markets.
type Registry struct {
	initialPool fixed.Amount
	liquidity   fixed.Amount

	// createMu serialises creations so ids are assigned without gaps even
	// when a creation fails after validation.
	createMu sync.Mutex

	mu      sync.RWMutex
	markets map[uint64]*Entry
	lastID  uint64
}

// NewRegistry creates a registry whose markets open with initialPool shares
// on each side and LMSR liquidity b.
func NewRegistry(initialPool, b fixed.Amount) *Registry {
	return &Registry{
		initialPool: initialPool,
		liquidity:   b,
		markets:     make(map[uint64]*Entry),
	}
}

// Create validates p, builds the market with the next id and hands it to
// fund before it becomes visible. fund may complete the market (collateral,
// participants) and persist it; if fund fails nothing is registered and the
// id is reused by the next creation.
func (r *Registry) Create(p Params, now time.Time, fund func(*model.Market) error) (*model.Market, error) {
	if err := p.Validate(now); err != nil {
		return nil, err
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mu.RLock()
	id := r.lastID + 1
	r.mu.RUnlock()

	m := &model.Market{
		ID:             id,
		Title:          strings.TrimSpace(p.Title),
		Description:    p.Description,
		Category:       strings.TrimSpace(p.Category),
		EndTime:        p.EndTime,
		ResolutionTime: p.ResolutionTime,
		CreatorFee:     p.CreatorFee,
		Creator:        p.Creator,
		Resolver:       p.Resolver,
		Status:         model.StatusActive,
		Liquidity:      r.liquidity,
		YesShares:      r.initialPool,
		NoShares:       r.initialPool,
		CreatedAt:      now,
		Seq:            1,
	}
	if m.Resolver == (common.Address{}) {
		m.Resolver = p.Creator
	}
	if fund != nil {
		if err := fund(m); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.markets[id] = &Entry{m: m}
	r.lastID = id
	r.mu.Unlock()

	return m.Clone(), nil
}

// Restore registers a market loaded from the journal.
func (r *Registry) Restore(m *model.Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("restore market %d: duplicate id", m.ID)
	}
	r.markets[m.ID] = &Entry{m: m.Clone()}
	if m.ID > r.lastID {
		r.lastID = m.ID
	}
	return nil
}

// Entry returns the lockable entry for id.
func (r *Registry) Entry(id uint64) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.markets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: market %d", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of market id.
func (r *Registry) Get(id uint64, now time.Time) (*model.Market, error) {
	e, err := r.Entry(id)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(now), nil
}

// Len returns the number of markets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Category string
	Status   *model.Status
	Query    string // case-insensitive match on title or description
	Creator  common.Address
}

func (f Filter) match(m *model.Market) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, m.Category) {
		return false
	}
	if f.Status != nil && *f.Status != m.Status {
		return false
	}
	if f.Creator != (common.Address{}) && f.Creator != m.Creator {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(m.Title), q) &&
			!strings.Contains(strings.ToLower(m.Description), q) {
			return false
		}
	}
	return true
}

// List returns snapshots of all markets matching f, newest first.
func (r *Registry) List(f Filter, now time.Time) []model.Market {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.markets))
	for _, e := range r.markets {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.Market, 0, len(entries))
	for _, e := range entries {
		m := e.Snapshot(now)
		if f.match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Stats summarises markets as returned by List.
func Stats(markets []model.Market) (model.MarketStats, error) {
	var s model.MarketStats
	for i := range markets {
		m := &markets[i]
		s.Total++
		switch m.Status {
		case model.StatusActive:
			s.Active++
		case model.StatusEnded:
			s.Ended++
		case model.StatusResolved:
			s.Resolved++
		}
		vol, err := s.TotalVolume.Add(m.TotalVolume)
		if err != nil {
			return s, fmt.Errorf("total volume: %w", err)
		}
		s.TotalVolume = vol
		s.Participants += m.ParticipantCount
	}
	return s, nil
}
