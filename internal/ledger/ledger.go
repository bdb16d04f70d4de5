// Package ledger is the prediction market engine: it creates markets, prices
// and executes buys against the LMSR curve, keeps per-user positions, and
// resolves and settles markets.
//
// Every mutation follows the same sequence under the market's write lock:
// validate, compute the next state with pure transforms, move tokens, journal
// the batch, then commit to memory. A failure at any step before the commit
// leaves no trace. Events are delivered after the lock is released.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bdag/prediction-ledger/internal/events"
	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/lmsr"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/metrics"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/position"
	"github.com/bdag/prediction-ledger/internal/store"
)

// Token moves value on behalf of the ledger. The ledger pulls stakes with
// TransferFrom (the user must have approved the escrow account) and pays out
// of escrow with Transfer.
type Token interface {
	BalanceOf(owner common.Address) fixed.Amount
	Allowance(owner, spender common.Address) fixed.Amount
	TransferFrom(spender, owner, to common.Address, amount fixed.Amount) error
	Transfer(from, to common.Address, amount fixed.Amount) error
}

// Config holds the economic parameters shared by every market.
type Config struct {
	// Liquidity is the LMSR b of new markets.
	Liquidity fixed.Amount
	// InitialPool is the number of YES and NO shares a market opens with.
	// The creator buys them as complete sets.
	InitialPool fixed.Amount
	// CreationFee is paid by the creator to FeeCollector.
	CreationFee  fixed.Amount
	FeeCollector common.Address
	// DefaultResolver resolves markets created without an explicit
	// resolver. Zero means the creator resolves.
	DefaultResolver common.Address
	// Escrow is the account that holds every market's collateral.
	Escrow common.Address
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore sets the journal. The default is an in-memory store.
func WithStore(s store.Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithNotifier sets the event sink.
func WithNotifier(n events.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger is safe for concurrent use. Operations on different markets never
// contend; operations on one market are serialised by its lock.
type Ledger struct {
	cfg     Config
	subsidy fixed.Amount
	token   Token

	store    store.Store
	notifier events.Notifier
	now      func() time.Time
	logger   *slog.Logger

	markets *market.Registry
	book    *position.Book
}

// New creates a ledger. Call Restore before serving if the store already
// holds state.
func New(cfg Config, tok Token, opts ...Option) (*Ledger, error) {
	if tok == nil {
		return nil, fmt.Errorf("ledger: token is required")
	}
	if cfg.Escrow == (common.Address{}) {
		return nil, fmt.Errorf("ledger: escrow account is required")
	}
	if !cfg.CreationFee.IsZero() && cfg.FeeCollector == (common.Address{}) {
		return nil, fmt.Errorf("ledger: fee collector is required when a creation fee is set")
	}
	mm, err := lmsr.NewMarketMaker(cfg.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	subsidy, err := mm.Subsidy()
	if err != nil {
		return nil, fmt.Errorf("ledger: subsidy for b=%s: %w", cfg.Liquidity, err)
	}

	l := &Ledger{
		cfg:     cfg,
		subsidy: subsidy,
		token:   tok,
		now:     func() time.Time { return time.Now().UTC() },
		markets: market.NewRegistry(cfg.InitialPool, cfg.Liquidity),
		book:    position.NewBook(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = store.NewMemoryStore()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Escrow returns the account users must approve before buying or creating.
func (l *Ledger) Escrow() common.Address { return l.cfg.Escrow }

// Config returns the ledger's economic parameters.
func (l *Ledger) Config() Config { return l.cfg }

// Restore loads markets and positions from the journal. It must run before
// the ledger serves any request.
func (l *Ledger) Restore(ctx context.Context) error {
	markets, err := l.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("restore markets: %w", err)
	}
	unresolved := 0
	for i := range markets {
		if err := l.markets.Restore(&markets[i]); err != nil {
			return err
		}
		if markets[i].Outcome == model.OutcomeUnset {
			unresolved++
		}
	}
	positions, err := l.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for _, p := range positions {
		l.book.Put(p)
	}
	metrics.UnresolvedMarkets.Set(float64(unresolved))

	l.logger.Info("ledger restored", "markets", len(markets), "positions", len(positions))
	return nil
}

// CreationCost is what a creator must approve to the escrow account: the
// seed complete sets, the LMSR subsidy and the creation fee.
func (l *Ledger) CreationCost() (fixed.Amount, error) {
	collateral, err := l.cfg.InitialPool.Add(l.subsidy)
	if err != nil {
		return fixed.Zero, err
	}
	return collateral.Add(l.cfg.CreationFee)
}

// CreateMarket opens a market funded by its creator. The creator's seed
// shares are recorded as the creator's position.
func (l *Ledger) CreateMarket(ctx context.Context, p market.Params) (*model.Market, error) {
	if p.Resolver == (common.Address{}) {
		p.Resolver = l.cfg.DefaultResolver
	}
	collateral, err := l.cfg.InitialPool.Add(l.subsidy)
	if err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	cost, err := collateral.Add(l.cfg.CreationFee)
	if err != nil {
		return nil, fmt.Errorf("creation cost: %w", err)
	}

	now := l.now()
	m, err := l.markets.Create(p, now, func(m *model.Market) error {
		m.Subsidy = l.subsidy
		m.Collateral = collateral

		seed := model.Position{MarketID: m.ID, User: m.Creator}
		if !l.cfg.InitialPool.IsZero() {
			seed.YesShares = l.cfg.InitialPool
			seed.NoShares = l.cfg.InitialPool
			seed.TotalInvestment = l.cfg.InitialPool
			seed.CreatedAt = now
			seed.UpdatedAt = now
			m.ParticipantCount = 1
		}

		if !cost.IsZero() {
			if err := l.token.TransferFrom(l.cfg.Escrow, m.Creator, l.cfg.Escrow, cost); err != nil {
				return fmt.Errorf("fund market: %w", err)
			}
		}
		batch := store.Batch{Markets: []*model.Market{m}}
		if seed.Exists() {
			batch.Positions = []model.Position{seed}
		}
		if err := l.store.Apply(ctx, batch); err != nil {
			l.refund(m.Creator, cost, "market creation", m.ID)
			return fmt.Errorf("journal market %d: %w", m.ID, err)
		}
		if seed.Exists() {
			l.book.Put(seed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !l.cfg.CreationFee.IsZero() {
		if err := l.token.Transfer(l.cfg.Escrow, l.cfg.FeeCollector, l.cfg.CreationFee); err != nil {
			l.logger.Error("creation fee transfer failed",
				"market_id", m.ID, "amount", l.cfg.CreationFee.String(), "error", err)
		}
	}

	metrics.MarketsCreated.Inc()
	metrics.UnresolvedMarkets.Inc()
	l.logger.Info("market created",
		"market_id", m.ID,
		"title", m.Title,
		"creator", m.Creator.Hex(),
		"resolver", m.Resolver.Hex(),
		"end_time", m.EndTime,
		"creator_fee_bps", m.CreatorFee,
	)
	l.notify(ctx, model.Event{
		Type:      model.EventMarketCreated,
		MarketID:  m.ID,
		Seq:       m.Seq,
		Timestamp: now,
		Market:    m.Clone(),
	})
	return m, nil
}

// refund returns a pulled stake after a failed journal write.
func (l *Ledger) refund(to common.Address, amount fixed.Amount, op string, marketID uint64) {
	if amount.IsZero() {
		return
	}
	if err := l.token.Transfer(l.cfg.Escrow, to, amount); err != nil {
		l.logger.Error("refund failed",
			"op", op, "market_id", marketID, "user", to.Hex(), "amount", amount.String(), "error", err)
	}
}

// payout sends amount out of escrow. The ledger state is already committed,
// so a failure is logged for manual reconciliation.
func (l *Ledger) payout(to common.Address, amount fixed.Amount, op string, marketID uint64) {
	if amount.IsZero() {
		return
	}
	if err := l.token.Transfer(l.cfg.Escrow, to, amount); err != nil {
		l.logger.Error("payout failed",
			"op", op, "market_id", marketID, "user", to.Hex(), "amount", amount.String(), "error", err)
	}
}

func (l *Ledger) notify(ctx context.Context, ev model.Event) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, ev); err != nil {
		metrics.NotifyErrors.WithLabelValues(string(ev.Type)).Inc()
		l.logger.Warn("event delivery failed", "type", ev.Type, "market_id", ev.MarketID, "error", err)
	}
}

func makerFor(m *model.Market) (*lmsr.MarketMaker, error) {
	mm, err := lmsr.NewMarketMaker(m.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", m.ID, err)
	}
	return mm, nil
}
