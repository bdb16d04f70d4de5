package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(78,0) base units and cross the driver as
// text so no precision is lost.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrations.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migrate %s: %w", f, err)
		}
	}
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, b Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range b.Markets {
		if err := upsertMarket(ctx, tx, m); err != nil {
			return fmt.Errorf("upsert market %d: %w", m.ID, err)
		}
	}
	for _, p := range b.Positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return fmt.Errorf("upsert position %d/%s: %w", p.MarketID, p.User.Hex(), err)
		}
	}
	for _, t := range b.Trades {
		if err := insertTrade(ctx, tx, t); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func upsertMarket(ctx context.Context, tx pgx.Tx, m *model.Market) error {
	var settlement []byte
	if m.Settlement != nil {
		var err error
		if settlement, err = json.Marshal(m.Settlement); err != nil {
			return err
		}
	}
	var resolvedAt *time.Time
	if !m.ResolvedAt.IsZero() {
		resolvedAt = &m.ResolvedAt
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, end_time, resolution_time,
		                      creator_fee, creator, resolver, outcome,
		                      liquidity, yes_shares, no_shares, collateral, subsidy, total_volume,
		                      participant_count, seq, created_at, resolved_at, settlement)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		         $17, $18, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
		     outcome = EXCLUDED.outcome,
		     yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     collateral = EXCLUDED.collateral,
		     total_volume = EXCLUDED.total_volume,
		     participant_count = EXCLUDED.participant_count,
		     seq = EXCLUDED.seq,
		     resolved_at = EXCLUDED.resolved_at,
		     settlement = EXCLUDED.settlement`,
		int64(m.ID), m.Title, m.Description, m.Category, m.EndTime, m.ResolutionTime,
		int(m.CreatorFee), m.Creator.Hex(), m.Resolver.Hex(), int16(m.Outcome),
		m.Liquidity.BaseUnits(), m.YesShares.BaseUnits(), m.NoShares.BaseUnits(),
		m.Collateral.BaseUnits(), m.Subsidy.BaseUnits(), m.TotalVolume.BaseUnits(),
		int64(m.ParticipantCount), int64(m.Seq), m.CreatedAt, resolvedAt, settlement,
	)
	return err
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (market_id, user_addr, yes_shares, no_shares, total_investment,
		                        claimed, payout, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)
		 ON CONFLICT (market_id, user_addr) DO UPDATE SET
		     yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     total_investment = EXCLUDED.total_investment,
		     claimed = EXCLUDED.claimed,
		     payout = EXCLUDED.payout,
		     updated_at = EXCLUDED.updated_at`,
		int64(p.MarketID), p.User.Hex(),
		p.YesShares.BaseUnits(), p.NoShares.BaseUnits(), p.TotalInvestment.BaseUnits(),
		p.Claimed, p.Payout.BaseUnits(), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func insertTrade(ctx context.Context, tx pgx.Tx, t model.Trade) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, seq, user_addr, side, shares, cost, avg_price, price, price_yes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		t.ID, int64(t.MarketID), int64(t.Seq), t.User.Hex(), string(t.Side),
		t.Shares.BaseUnits(), t.Cost.BaseUnits(), t.AvgPrice.BaseUnits(),
		t.Price.BaseUnits(), t.PriceYes.BaseUnits(), t.Timestamp,
	)
	return err
}

const marketColumns = `id, title, description, category, end_time, resolution_time,
	creator_fee, creator, resolver, outcome,
	liquidity::TEXT, yes_shares::TEXT, no_shares::TEXT, collateral::TEXT, subsidy::TEXT, total_volume::TEXT,
	participant_count, seq, created_at, resolved_at, settlement`

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

const positionColumns = `market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, total_investment::TEXT,
	claimed, payout::TEXT, created_at, updated_at`

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY market_id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

const tradeColumns = `id::TEXT, market_id, seq, user_addr, side,
	shares::TEXT, cost::TEXT, avg_price::TEXT, price::TEXT, price_yes::TEXT, timestamp`

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID uint64) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY seq`, int64(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, user common.Address) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_addr = $1 ORDER BY timestamp, market_id, seq`, user.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	scanner
	Next() bool
	Err() error
}

func scanMarket(row scanner) (*model.Market, error) {
	var (
		m                                               model.Market
		id, participants, seq                           int64
		fee                                             int32
		outcome                                         int16
		creator, resolver                               string
		liquidity, yes, no, collateral, subsidy, volume string
		resolvedAt                                      *time.Time
		settlement                                      []byte
	)
	if err := row.Scan(&id, &m.Title, &m.Description, &m.Category, &m.EndTime, &m.ResolutionTime,
		&fee, &creator, &resolver, &outcome,
		&liquidity, &yes, &no, &collateral, &subsidy, &volume,
		&participants, &seq, &m.CreatedAt, &resolvedAt, &settlement); err != nil {
		return nil, err
	}

	m.ID = uint64(id)
	m.CreatorFee = uint16(fee)
	m.Creator = common.HexToAddress(creator)
	m.Resolver = common.HexToAddress(resolver)
	m.Outcome = model.Outcome(outcome)
	m.ParticipantCount = uint64(participants)
	m.Seq = uint64(seq)
	if resolvedAt != nil {
		m.ResolvedAt = *resolvedAt
	}

	var err error
	for _, f := range []struct {
		dst *fixed.Amount
		src string
	}{
		{&m.Liquidity, liquidity}, {&m.YesShares, yes}, {&m.NoShares, no},
		{&m.Collateral, collateral}, {&m.Subsidy, subsidy}, {&m.TotalVolume, volume},
	} {
		if *f.dst, err = fixed.ParseUnits(f.src); err != nil {
			return nil, fmt.Errorf("market %d: %w", id, err)
		}
	}
	if len(settlement) > 0 {
		var st model.Settlement
		if err := json.Unmarshal(settlement, &st); err != nil {
			return nil, fmt.Errorf("market %d settlement: %w", id, err)
		}
		m.Settlement = &st
	}
	return &m, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var (
			p                         model.Position
			marketID                  int64
			user                      string
			yes, no, invested, payout string
		)
		if err := rows.Scan(&marketID, &user, &yes, &no, &invested,
			&p.Claimed, &payout, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.MarketID = uint64(marketID)
		p.User = common.HexToAddress(user)

		var err error
		if p.YesShares, err = fixed.ParseUnits(yes); err != nil {
			return nil, err
		}
		if p.NoShares, err = fixed.ParseUnits(no); err != nil {
			return nil, err
		}
		if p.TotalInvestment, err = fixed.ParseUnits(invested); err != nil {
			return nil, err
		}
		if p.Payout, err = fixed.ParseUnits(payout); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var (
			t                                     model.Trade
			marketID, seq                         int64
			user, side                            string
			shares, cost, avgPrice, price, priceY string
		)
		if err := rows.Scan(&t.ID, &marketID, &seq, &user, &side,
			&shares, &cost, &avgPrice, &price, &priceY, &t.Timestamp); err != nil {
			return nil, err
		}
		t.MarketID = uint64(marketID)
		t.Seq = uint64(seq)
		t.User = common.HexToAddress(user)
		t.Side = model.Side(side)

		var err error
		for _, f := range []struct {
			dst *fixed.Amount
			src string
		}{
			{&t.Shares, shares}, {&t.Cost, cost}, {&t.AvgPrice, avgPrice},
			{&t.Price, price}, {&t.PriceYes, priceY},
		} {
			if *f.dst, err = fixed.ParseUnits(f.src); err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.ID, err)
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
