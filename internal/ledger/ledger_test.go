package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bdag/prediction-ledger/internal/events"
	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/store"
	"github.com/bdag/prediction-ledger/internal/token"
)

var (
	t0        = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	dave      = common.HexToAddress("0x000000000000000000000000000000000000da7e")
	oracle    = common.HexToAddress("0x000000000000000000000000000000000000a5a5")
	escrow    = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	collector = common.HexToAddress("0x000000000000000000000000000000000000fee5")
)

var ctx = context.Background()

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	t      *testing.T
	clock  *clock
	tok    *token.Ledger
	store  *store.MemoryStore
	events *events.Recorder
	l      *Ledger
}

func testConfig() Config {
	return Config{
		Liquidity:    fixed.Units(100),
		InitialPool:  fixed.Units(10),
		CreationFee:  fixed.Units(10),
		FeeCollector: collector,
		Escrow:       escrow,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		clock:  &clock{now: t0},
		tok:    token.New("BDAG", nil),
		store:  store.NewMemoryStore(),
		events: &events.Recorder{},
	}
	for _, u := range []common.Address{alice, bob, carol} {
		if err := f.tok.Mint(u, fixed.Units(10_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := f.tok.Approve(u, escrow, fixed.Units(1_000_000)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := f.tok.Mint(dave, fixed.Units(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	l, err := New(cfg, f.tok,
		WithStore(f.store),
		WithNotifier(f.events),
		WithClock(f.clock.Now),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.l = l
	return f
}

func params(fee uint16) market.Params {
	return market.Params{
		Title:          "Will the mainnet launch before Q3?",
		Description:    "Resolves YES if the mainnet genesis block is produced before July 1.",
		Category:       "Crypto",
		EndTime:        t0.Add(24 * time.Hour),
		ResolutionTime: t0.Add(48 * time.Hour),
		CreatorFee:     fee,
		Creator:        alice,
	}
}

func (f *fixture) create(fee uint16) *model.Market {
	f.t.Helper()
	m, err := f.l.CreateMarket(ctx, params(fee))
	if err != nil {
		f.t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func (f *fixture) buy(id uint64, side model.Side, amount fixed.Amount, who common.Address) *model.Trade {
	f.t.Helper()
	tr, err := f.l.BuyShares(ctx, id, side, amount, who)
	if err != nil {
		f.t.Fatalf("BuyShares(%s %s by %s): %v", side, amount, who.Hex(), err)
	}
	return tr
}

func (f *fixture) resolve(id uint64, outcome model.Outcome) *model.Market {
	f.t.Helper()
	f.clock.Set(t0.Add(49 * time.Hour))
	m, err := f.l.ResolveMarket(ctx, id, outcome, alice)
	if err != nil {
		f.t.Fatalf("ResolveMarket: %v", err)
	}
	return m
}

func (f *fixture) info(id uint64) *model.MarketInfo {
	f.t.Helper()
	info, err := f.l.GetMarketInfo(id)
	if err != nil {
		f.t.Fatalf("GetMarketInfo: %v", err)
	}
	return info
}

func (f *fixture) assertPoolsMatchPositions(id uint64) {
	f.t.Helper()
	m := f.info(id)
	yes, no, err := f.l.book.Totals(id)
	if err != nil {
		f.t.Fatalf("Totals: %v", err)
	}
	if !yes.Equal(m.YesShares) || !no.Equal(m.NoShares) {
		f.t.Errorf("positions (%s, %s) do not sum to pools (%s, %s)", yes, no, m.YesShares, m.NoShares)
	}
}

func mustSub(t *testing.T, a, b fixed.Amount) fixed.Amount {
	t.Helper()
	d, err := a.Sub(b)
	if err != nil {
		t.Fatalf("%s - %s: %v", a, b, err)
	}
	return d
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tok := token.New("BDAG", nil)
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero liquidity", func(c *Config) { c.Liquidity = fixed.Zero }},
		{"no escrow", func(c *Config) { c.Escrow = common.Address{} }},
		{"fee without collector", func(c *Config) { c.FeeCollector = common.Address{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, tok); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := New(testConfig(), nil); err == nil {
		t.Error("expected error for nil token")
	}
}

func TestCreateMarket_FundsEscrowAndSeedsCreator(t *testing.T) {
	f := newFixture(t, testConfig())
	cost, err := f.l.CreationCost()
	if err != nil {
		t.Fatalf("CreationCost: %v", err)
	}

	m := f.create(200)
	if m.ID != 1 {
		t.Errorf("expected id 1, got %d", m.ID)
	}
	if m.Resolver != alice {
		t.Errorf("expected creator to resolve by default, got %s", m.Resolver.Hex())
	}
	if m.ParticipantCount != 1 {
		t.Errorf("expected the creator as first participant, got %d", m.ParticipantCount)
	}

	spent := mustSub(t, fixed.Units(10_000), f.tok.BalanceOf(alice))
	if !spent.Equal(cost) {
		t.Errorf("creator spent %s, expected %s", spent, cost)
	}
	if got := f.tok.BalanceOf(collector); !got.Equal(fixed.Units(10)) {
		t.Errorf("fee collector: expected 10, got %s", got)
	}
	if got := f.tok.BalanceOf(escrow); !got.Equal(m.Collateral) {
		t.Errorf("escrow %s != collateral %s", got, m.Collateral)
	}

	pos, err := f.l.GetPosition(m.ID, alice)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.YesShares.Equal(fixed.Units(10)) || !pos.NoShares.Equal(fixed.Units(10)) {
		t.Errorf("expected 10/10 seed shares, got %s/%s", pos.YesShares, pos.NoShares)
	}
	f.assertPoolsMatchPositions(m.ID)

	yes, err := f.l.GetCurrentPrice(m.ID, model.SideYes)
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if !yes.Equal(fixed.Half) {
		t.Errorf("expected opening price 0.5, got %s", yes)
	}

	if got := len(f.events.OfType(model.EventMarketCreated)); got != 1 {
		t.Errorf("expected 1 market_created event, got %d", got)
	}
}

func TestCreateMarket_InvalidParameters(t *testing.T) {
	f := newFixture(t, testConfig())
	p := params(200)
	p.ResolutionTime = p.EndTime

	_, err := f.l.CreateMarket(ctx, p)
	if !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if got := f.tok.BalanceOf(alice); !got.Equal(fixed.Units(10_000)) {
		t.Errorf("nothing should be charged, balance %s", got)
	}
}

func TestCreateMarket_DefaultResolver(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultResolver = oracle
	f := newFixture(t, cfg)

	m := f.create(0)
	if m.Resolver != oracle {
		t.Errorf("expected default oracle, got %s", m.Resolver.Hex())
	}

	p := params(0)
	p.Resolver = carol
	explicit, err := f.l.CreateMarket(ctx, p)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if explicit.Resolver != carol {
		t.Errorf("expected explicit resolver, got %s", explicit.Resolver.Hex())
	}
}

func TestCreateMarket_JournalFailureRefunds(t *testing.T) {
	f := newFixture(t, testConfig())
	boom := errors.New("disk full")
	f.store.FailNext(boom)

	if _, err := f.l.CreateMarket(ctx, params(0)); !errors.Is(err, boom) {
		t.Fatalf("expected journal error, got %v", err)
	}
	if got := f.tok.BalanceOf(alice); !got.Equal(fixed.Units(10_000)) {
		t.Errorf("creator should be refunded, balance %s", got)
	}
	if got := f.tok.BalanceOf(escrow); !got.IsZero() {
		t.Errorf("escrow should be empty, holds %s", got)
	}
	if _, err := f.l.GetMarketInfo(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed market must not be visible, got %v", err)
	}

	m := f.create(0)
	if m.ID != 1 {
		t.Errorf("expected id 1 to be reused, got %d", m.ID)
	}
}

// Fee 500 bps, a single YES buyer, resolution YES, then claims.
func TestBuyResolveClaim(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(500)

	tr := f.buy(m.ID, model.SideYes, fixed.Units(100), bob)
	if !tr.Price.GreaterThan(fixed.Half) {
		t.Errorf("YES price should rise above 0.5, got %s", tr.Price)
	}
	if !tr.Shares.GreaterThan(fixed.Units(100)) {
		t.Errorf("buying at < 1 per share should give more shares than cost, got %s", tr.Shares)
	}
	price, _ := f.l.GetCurrentPrice(m.ID, model.SideYes)
	if !price.Equal(tr.Price) {
		t.Errorf("current price %s != trade price %s", price, tr.Price)
	}

	f.buy(m.ID, model.SideNo, fixed.Units(20), carol)
	f.assertPoolsMatchPositions(m.ID)

	resolved := f.resolve(m.ID, model.OutcomeYes)
	if resolved.Status != model.StatusResolved || resolved.Outcome != model.OutcomeYes {
		t.Fatalf("unexpected resolved state %s/%s", resolved.Status, resolved.Outcome)
	}
	s := resolved.Settlement

	before := f.tok.BalanceOf(bob)
	amount, err := f.l.ClaimPayout(ctx, m.ID, bob)
	if err != nil {
		t.Fatalf("ClaimPayout: %v", err)
	}
	expected, _ := fixed.MulDiv(tr.Shares, s.Net, s.WinningShares)
	if !amount.Equal(expected) {
		t.Errorf("claim %s, expected %s", amount, expected)
	}
	if amount.IsZero() || !amount.LessThan(tr.Shares) {
		t.Errorf("claim %s should be positive and reduced by the fee below %s", amount, tr.Shares)
	}
	if got := mustSub(t, f.tok.BalanceOf(bob), before); !got.Equal(amount) {
		t.Errorf("bob received %s, expected %s", got, amount)
	}

	if _, err := f.l.ClaimPayout(ctx, m.ID, bob); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}

	lost, err := f.l.ClaimPayout(ctx, m.ID, carol)
	if err != nil {
		t.Fatalf("losing claim: %v", err)
	}
	if !lost.IsZero() {
		t.Errorf("NO holder should get 0, got %s", lost)
	}
	pos, _ := f.l.GetPosition(m.ID, carol)
	if !pos.Claimed {
		t.Error("losing position should be marked claimed")
	}
	f.assertPoolsMatchPositions(m.ID)
}

func TestBuyShares_Rejections(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	tests := []struct {
		name   string
		id     uint64
		side   model.Side
		amount fixed.Amount
		buyer  common.Address
		want   error
	}{
		{"zero amount", m.ID, model.SideYes, fixed.Zero, bob, ErrInvalidAmount},
		{"bad side", m.ID, model.Side("MAYBE"), fixed.Units(1), bob, ErrInvalidParameters},
		{"zero buyer", m.ID, model.SideYes, fixed.Units(1), common.Address{}, ErrInvalidParameters},
		{"unknown market", 99, model.SideYes, fixed.Units(1), bob, ErrNotFound},
		{"no allowance", m.ID, model.SideYes, fixed.Units(1), dave, token.ErrInsufficientAllowance},
		{"beyond price bounds", m.ID, model.SideYes, fixed.Units(5_000), bob, ErrPriceOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.l.BuyShares(ctx, tt.id, tt.side, tt.amount, tt.buyer)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	info := f.info(m.ID)
	if info.Seq != m.Seq || !info.TotalVolume.IsZero() {
		t.Errorf("rejected buys must not change the market: seq %d volume %s", info.Seq, info.TotalVolume)
	}
	if got := len(f.events.OfType(model.EventPositionTaken)); got != 0 {
		t.Errorf("expected no trade events, got %d", got)
	}
}

func TestBuyShares_HugeAmountRejectedQuickly(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	huge := fixed.Units(10_000_000)

	start := time.Now()
	if _, err := f.l.QuoteBuy(m.ID, model.SideYes, huge); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Errorf("quote: expected ErrPriceOutOfBounds, got %v", err)
	}
	if _, err := f.l.BuyShares(ctx, m.ID, model.SideYes, huge, dave); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Errorf("buy: expected ErrPriceOutOfBounds, got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("rejections took %v", d)
	}

	// The market lock was released promptly.
	f.buy(m.ID, model.SideNo, fixed.Units(1), bob)
}

func TestBuyShares_DustDoesNotMovePrice(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	dust := fixed.FromBaseUnits(1)

	if _, err := f.l.QuoteBuy(m.ID, model.SideYes, dust); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("quote: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.l.BuyShares(ctx, m.ID, model.SideYes, dust, bob); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("buy: expected ErrInvalidAmount, got %v", err)
	}
	if info := f.info(m.ID); info.Seq != m.Seq {
		t.Errorf("dust buy changed the market: seq %d", info.Seq)
	}
	if got := f.tok.BalanceOf(bob); !got.Equal(fixed.Units(10_000)) {
		t.Errorf("bob balance %s, expected untouched", got)
	}
}

func TestQuoteBuy_ConcurrentMarkets(t *testing.T) {
	f := newFixture(t, testConfig())
	ids := make([]uint64, 8)
	for i := range ids {
		ids[i] = f.create(0).ID
	}

	var wg sync.WaitGroup
	for n, id := range ids {
		wg.Add(1)
		go func(n int, id uint64) {
			defer wg.Done()
			for i := 1; i <= 10; i++ {
				if _, err := f.l.QuoteBuy(id, model.SideYes, fixed.Units(uint64(i*(n+1)))); err != nil {
					t.Errorf("market %d quote %d: %v", id, i, err)
					return
				}
			}
		}(n, id)
	}
	wg.Wait()
}

func TestBuyShares_InsufficientBalanceWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Liquidity = fixed.Units(100_000)
	f := newFixture(t, cfg)
	if err := f.tok.Mint(alice, fixed.Units(100_000)); err != nil {
		t.Fatal(err)
	}
	m := f.create(0)

	_, err := f.l.BuyShares(ctx, m.ID, model.SideYes, fixed.Units(20_000), bob)
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBuyShares_AfterEndTime(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	f.clock.Set(m.EndTime)
	_, err := f.l.BuyShares(ctx, m.ID, model.SideYes, fixed.Units(1), bob)
	if !errors.Is(err, ErrMarketNotActive) {
		t.Errorf("expected ErrMarketNotActive at end time, got %v", err)
	}
	if _, err := f.l.QuoteBuy(m.ID, model.SideYes, fixed.Units(1)); !errors.Is(err, ErrMarketNotActive) {
		t.Errorf("quote: expected ErrMarketNotActive, got %v", err)
	}
	if info := f.info(m.ID); info.Status != model.StatusEnded {
		t.Errorf("expected ENDED, got %s", info.Status)
	}
}

func TestBuyShares_JournalFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	f.buy(m.ID, model.SideYes, fixed.Units(5), carol)
	before := f.info(m.ID)
	escrowBefore := f.tok.BalanceOf(escrow)

	boom := errors.New("connection reset")
	f.store.FailNext(boom)
	_, err := f.l.BuyShares(ctx, m.ID, model.SideYes, fixed.Units(50), bob)
	if !errors.Is(err, boom) {
		t.Fatalf("expected journal error, got %v", err)
	}

	after := f.info(m.ID)
	if after.Seq != before.Seq || !after.YesShares.Equal(before.YesShares) ||
		!after.TotalVolume.Equal(before.TotalVolume) || after.ParticipantCount != before.ParticipantCount {
		t.Errorf("market changed after failed journal: before %+v after %+v", before.Market, after.Market)
	}
	pos, _ := f.l.GetPosition(m.ID, bob)
	if pos.Exists() {
		t.Errorf("no position should exist, got %+v", pos)
	}
	if got := f.tok.BalanceOf(bob); !got.Equal(fixed.Units(10_000)) {
		t.Errorf("buyer should be refunded, balance %s", got)
	}
	if got := f.tok.BalanceOf(escrow); !got.Equal(escrowBefore) {
		t.Errorf("escrow %s, expected %s", got, escrowBefore)
	}
	trades, _ := f.l.History(ctx, m.ID)
	if len(trades) != 1 {
		t.Errorf("expected only the first trade, got %d", len(trades))
	}
}

func TestQuoteMatchesExecution(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	f.buy(m.ID, model.SideNo, fixed.Units(30), carol)

	q, err := f.l.QuoteBuy(m.ID, model.SideYes, fixed.Units(40))
	if err != nil {
		t.Fatalf("QuoteBuy: %v", err)
	}
	tr := f.buy(m.ID, model.SideYes, fixed.Units(40), bob)
	if !q.Shares.Equal(tr.Shares) || !q.AvgPrice.Equal(tr.AvgPrice) {
		t.Errorf("quote %s@%s, executed %s@%s", q.Shares, q.AvgPrice, tr.Shares, tr.AvgPrice)
	}
	if _, err := f.l.QuoteBuy(m.ID, model.SideYes, fixed.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLargerBuyHasHigherAveragePrice(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	small, err := f.l.QuoteBuy(m.ID, model.SideYes, fixed.Units(10))
	if err != nil {
		t.Fatal(err)
	}
	large, err := f.l.QuoteBuy(m.ID, model.SideYes, fixed.Units(200))
	if err != nil {
		t.Fatal(err)
	}
	if !large.AvgPrice.GreaterThan(small.AvgPrice) {
		t.Errorf("avg price of 200 (%s) should exceed avg price of 10 (%s)", large.AvgPrice, small.AvgPrice)
	}
}

func TestPricesSumToOne(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	buys := []struct {
		side   model.Side
		amount uint64
	}{
		{model.SideYes, 17}, {model.SideNo, 3}, {model.SideNo, 61}, {model.SideYes, 1}, {model.SideYes, 44},
	}
	for _, b := range buys {
		f.buy(m.ID, b.side, fixed.Units(b.amount), bob)
		info := f.info(m.ID)
		sum, err := info.PriceYes.Add(info.PriceNo)
		if err != nil {
			t.Fatal(err)
		}
		if !sum.Equal(fixed.One) {
			t.Errorf("prices %s + %s = %s", info.PriceYes, info.PriceNo, sum)
		}
	}
}

func TestParticipantCount(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	f.buy(m.ID, model.SideYes, fixed.Units(1), bob)
	f.buy(m.ID, model.SideNo, fixed.Units(1), bob)
	f.buy(m.ID, model.SideYes, fixed.Units(1), alice)
	f.buy(m.ID, model.SideYes, fixed.Units(1), carol)

	info := f.info(m.ID)
	if info.ParticipantCount != 3 {
		t.Errorf("expected 3 participants, got %d", info.ParticipantCount)
	}
	if !info.TotalVolume.Equal(fixed.Units(4)) {
		t.Errorf("expected volume 4, got %s", info.TotalVolume)
	}
}

func TestResolveMarket_Rejections(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	if _, err := f.l.ResolveMarket(ctx, 42, model.OutcomeYes, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	f.clock.Set(m.EndTime.Add(time.Hour))
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeYes, alice); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly after end but before resolution time, got %v", err)
	}

	f.clock.Set(m.ResolutionTime)
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeYes, bob); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeUnset, alice); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeNo, alice); err != nil {
		t.Fatalf("resolve at resolution time: %v", err)
	}
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeYes, alice); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := f.l.BuyShares(ctx, m.ID, model.SideYes, fixed.Units(1), bob); !errors.Is(err, ErrMarketNotActive) {
		t.Errorf("buy after resolution: expected ErrMarketNotActive, got %v", err)
	}
}

func TestResolveMarket_JournalFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(100)
	f.clock.Set(m.ResolutionTime)

	boom := errors.New("timeout")
	f.store.FailNext(boom)
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeYes, alice); !errors.Is(err, boom) {
		t.Fatalf("expected journal error, got %v", err)
	}
	if info := f.info(m.ID); info.Outcome != model.OutcomeUnset || info.Settlement != nil {
		t.Errorf("market must stay unresolved, got %s", info.Outcome)
	}
	if _, err := f.l.ResolveMarket(ctx, m.ID, model.OutcomeYes, alice); err != nil {
		t.Errorf("retry should succeed: %v", err)
	}
}

func TestClaimPayout_Rejections(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	f.buy(m.ID, model.SideYes, fixed.Units(10), bob)

	if _, err := f.l.ClaimPayout(ctx, m.ID, bob); !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved, got %v", err)
	}
	f.resolve(m.ID, model.OutcomeYes)
	if _, err := f.l.ClaimPayout(ctx, m.ID, dave); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
	if _, err := f.l.ClaimPayout(ctx, 7, bob); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEscrowConservation(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(300)
	f.buy(m.ID, model.SideYes, fixed.Units(120), bob)
	f.buy(m.ID, model.SideNo, fixed.Units(80), carol)
	f.buy(m.ID, model.SideYes, fixed.Units(7), carol)

	if got, want := f.tok.BalanceOf(escrow), f.info(m.ID).Collateral; !got.Equal(want) {
		t.Errorf("before resolution escrow %s != collateral %s", got, want)
	}

	creatorBefore := f.tok.BalanceOf(alice)
	resolved := f.resolve(m.ID, model.OutcomeNo)
	s := resolved.Settlement

	toCreator, _ := s.Fee.Add(s.Surplus)
	if got := mustSub(t, f.tok.BalanceOf(alice), creatorBefore); !got.Equal(toCreator) {
		t.Errorf("creator received %s, expected fee+surplus %s", got, toCreator)
	}
	if got := f.tok.BalanceOf(escrow); !got.Equal(s.Net) {
		t.Errorf("after resolution escrow %s != net %s", got, s.Net)
	}

	for _, u := range []common.Address{alice, bob, carol} {
		if _, err := f.l.ClaimPayout(ctx, m.ID, u); err != nil {
			t.Fatalf("claim %s: %v", u.Hex(), err)
		}
	}
	final := f.info(m.ID).Settlement
	if final.Paid.GreaterThan(final.Net) {
		t.Fatalf("paid %s exceeds net %s", final.Paid, final.Net)
	}
	if got, want := f.tok.BalanceOf(escrow), mustSub(t, final.Net, final.Paid); !got.Equal(want) {
		t.Errorf("escrow %s should hold only rounding dust %s", got, want)
	}
	if dust := mustSub(t, final.Net, final.Paid); dust.GreaterThan(fixed.FromBaseUnits(3)) {
		t.Errorf("dust %s larger than one base unit per claimant", dust)
	}
}

func TestGetPotentialPayout(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(1000)
	tr := f.buy(m.ID, model.SideYes, fixed.Units(50), bob)

	p, err := f.l.GetPotentialPayout(m.ID, bob)
	if err != nil {
		t.Fatalf("GetPotentialPayout: %v", err)
	}
	if !p.IfNo.IsZero() {
		t.Errorf("YES-only holder should get nothing if NO wins, got %s", p.IfNo)
	}
	info := f.info(m.ID)
	fee, _ := info.YesShares.Bps(1000)
	net := mustSub(t, info.YesShares, fee)
	want, _ := fixed.MulDiv(tr.Shares, net, info.YesShares)
	if !p.IfYes.Equal(want) {
		t.Errorf("if YES: expected %s, got %s", want, p.IfYes)
	}

	f.resolve(m.ID, model.OutcomeYes)
	settled, err := f.l.GetPotentialPayout(m.ID, bob)
	if err != nil {
		t.Fatal(err)
	}
	amount, err := f.l.ClaimPayout(ctx, m.ID, bob)
	if err != nil {
		t.Fatal(err)
	}
	if !settled.IfYes.Equal(amount) {
		t.Errorf("settled potential %s != claim %s", settled.IfYes, amount)
	}

	after, err := f.l.GetPotentialPayout(m.ID, bob)
	if err != nil || !after.IfYes.IsZero() || !after.IfNo.IsZero() {
		t.Errorf("claimed: expected zero payout, got %+v (%v)", after, err)
	}

	none, err := f.l.GetPotentialPayout(m.ID, dave)
	if err != nil || !none.IfYes.IsZero() || !none.IfNo.IsZero() {
		t.Errorf("stranger: expected zero payout, got %+v (%v)", none, err)
	}
}

func TestPortfolio(t *testing.T) {
	f := newFixture(t, testConfig())
	won := f.create(0)
	lost := f.create(0)
	open := f.create(0)

	f.buy(won.ID, model.SideYes, fixed.Units(10), bob)
	f.buy(lost.ID, model.SideYes, fixed.Units(10), bob)
	f.buy(open.ID, model.SideNo, fixed.Units(10), bob)

	f.clock.Set(t0.Add(49 * time.Hour))
	if _, err := f.l.ResolveMarket(ctx, won.ID, model.OutcomeYes, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := f.l.ResolveMarket(ctx, lost.ID, model.OutcomeNo, alice); err != nil {
		t.Fatal(err)
	}

	pf, err := f.l.Portfolio(bob)
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if len(pf.Positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(pf.Positions))
	}
	if pf.Won != 1 || pf.Lost != 1 || pf.Active != 1 {
		t.Errorf("won/lost/active = %d/%d/%d", pf.Won, pf.Lost, pf.Active)
	}
	if !pf.TotalInvested.Equal(fixed.Units(30)) {
		t.Errorf("expected 30 invested, got %s", pf.TotalInvested)
	}
	if !pf.Positions[1].CurrentValue.IsZero() {
		t.Errorf("losing position should be worth 0, got %s", pf.Positions[1].CurrentValue)
	}
	if !pf.Positions[0].CurrentValue.GreaterThan(fixed.Units(10)) {
		t.Errorf("winning position should be worth more than its cost, got %s", pf.Positions[0].CurrentValue)
	}
}

func TestListMarkets(t *testing.T) {
	f := newFixture(t, testConfig())
	a := f.create(0)
	p := params(0)
	p.Category = "Sports"
	p.Title = "Will the home team win the final?"
	if _, err := f.l.CreateMarket(ctx, p); err != nil {
		t.Fatal(err)
	}
	f.buy(a.ID, model.SideYes, fixed.Units(5), bob)

	all, stats, err := f.l.ListMarkets(market.Filter{})
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(all) != 2 || all[0].ID != 2 {
		t.Fatalf("expected 2 markets newest first, got %d", len(all))
	}
	if stats.Active != 2 || !stats.TotalVolume.Equal(fixed.Units(5)) {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !all[1].PriceYes.GreaterThan(fixed.Half) {
		t.Errorf("listing should carry live prices, got %s", all[1].PriceYes)
	}

	sports, _, err := f.l.ListMarkets(market.Filter{Category: "sports"})
	if err != nil || len(sports) != 1 {
		t.Errorf("category filter: %d markets (%v)", len(sports), err)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)
	tr := f.buy(m.ID, model.SideYes, fixed.Units(10), bob)
	f.resolve(m.ID, model.OutcomeYes)
	if _, err := f.l.ClaimPayout(ctx, m.ID, bob); err != nil {
		t.Fatal(err)
	}

	taken := f.events.OfType(model.EventPositionTaken)
	if len(taken) != 1 || taken[0].Trade == nil || taken[0].Trade.ID != tr.ID {
		t.Fatalf("expected one position_taken event for %s, got %+v", tr.ID, taken)
	}
	if taken[0].Trade.User != bob || !taken[0].Trade.Price.Equal(tr.Price) {
		t.Errorf("trade event payload mismatch: %+v", taken[0].Trade)
	}

	resolved := f.events.OfType(model.EventMarketResolved)
	if len(resolved) != 1 || len(resolved[0].Positions) != 2 {
		t.Fatalf("expected resolution event with 2 positions, got %+v", resolved)
	}
	claimed := f.events.OfType(model.EventPayoutClaimed)
	if len(claimed) != 1 || claimed[0].Claim.User != bob {
		t.Fatalf("expected one payout_claimed event, got %+v", claimed)
	}

	var last uint64
	for _, ev := range f.events.Events() {
		if ev.Seq <= last {
			t.Errorf("event seq %d not increasing after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestConcurrentBuys_SameMarket(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(0)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer, side := bob, model.SideYes
			if i%2 == 1 {
				buyer, side = carol, model.SideNo
			}
			if _, err := f.l.BuyShares(ctx, m.ID, side, fixed.Units(1), buyer); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent buy: %v", err)
	}

	info := f.info(m.ID)
	if !info.TotalVolume.Equal(fixed.Units(n)) {
		t.Errorf("expected volume %d, got %s", n, info.TotalVolume)
	}
	if info.ParticipantCount != 3 {
		t.Errorf("expected 3 participants, got %d", info.ParticipantCount)
	}
	f.assertPoolsMatchPositions(m.ID)

	trades, err := f.l.History(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint64]bool)
	for _, tr := range trades {
		if seen[tr.Seq] {
			t.Errorf("duplicate trade seq %d", tr.Seq)
		}
		seen[tr.Seq] = true
	}
	if len(trades) != n {
		t.Errorf("expected %d trades, got %d", n, len(trades))
	}
}

func TestConcurrentBuys_DifferentMarkets(t *testing.T) {
	f := newFixture(t, testConfig())
	ids := []uint64{f.create(0).ID, f.create(0).ID, f.create(0).ID}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, buyer := range []common.Address{bob, carol} {
			wg.Add(1)
			go func(id uint64, buyer common.Address) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if _, err := f.l.BuyShares(ctx, id, model.SideYes, fixed.Units(2), buyer); err != nil {
						t.Errorf("buy on %d: %v", id, err)
						return
					}
				}
			}(id, buyer)
		}
	}
	wg.Wait()

	for _, id := range ids {
		if got := f.info(id).TotalVolume; !got.Equal(fixed.Units(40)) {
			t.Errorf("market %d: expected volume 40, got %s", id, got)
		}
		f.assertPoolsMatchPositions(id)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t, testConfig())
	m := f.create(250)
	f.buy(m.ID, model.SideYes, fixed.Units(25), bob)
	f.buy(m.ID, model.SideNo, fixed.Units(15), carol)
	f.resolve(m.ID, model.OutcomeYes)
	if _, err := f.l.ClaimPayout(ctx, m.ID, bob); err != nil {
		t.Fatal(err)
	}
	want := f.info(m.ID)

	restored, err := New(testConfig(), f.tok, WithStore(f.store), WithClock(f.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := restored.GetMarketInfo(m.ID)
	if err != nil {
		t.Fatalf("GetMarketInfo after restore: %v", err)
	}
	if got.Seq != want.Seq || !got.YesShares.Equal(want.YesShares) || !got.Settlement.Paid.Equal(want.Settlement.Paid) {
		t.Errorf("restored market differs: got %+v want %+v", got.Market, want.Market)
	}
	if _, err := restored.ClaimPayout(ctx, m.ID, bob); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("claim flag should survive restore, got %v", err)
	}
	if _, err := restored.ClaimPayout(ctx, m.ID, alice); err != nil {
		t.Errorf("creator claim after restore: %v", err)
	}

	f.clock.Set(t0)
	next, err := restored.CreateMarket(ctx, params(0))
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != m.ID+1 {
		t.Errorf("expected next id %d, got %d", m.ID+1, next.ID)
	}
}

func TestUserTrades(t *testing.T) {
	f := newFixture(t, testConfig())
	a, b := f.create(0), f.create(0)
	f.buy(a.ID, model.SideYes, fixed.Units(1), bob)
	f.buy(b.ID, model.SideNo, fixed.Units(2), bob)
	f.buy(b.ID, model.SideNo, fixed.Units(2), carol)

	trades, err := f.l.UserTrades(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[0].MarketID != a.ID {
		t.Errorf("expected bob's 2 trades oldest first, got %+v", trades)
	}
}
