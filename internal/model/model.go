// Package model defines the core domain types shared across the ledger.
// All monetary values and share counts are fixed.Amount, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side selects one of the two outcomes a share pays out on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide accepts "yes"/"no" in any case, and "true"/"false" for callers
// that speak in terms of isYes.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true":
		return SideYes, nil
	case "no", "false":
		return SideNo, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Outcome is the resolved result of a market.
type Outcome uint8

const (
	OutcomeUnset Outcome = iota
	OutcomeYes
	OutcomeNo
)

var outcomeNames = [...]string{"UNSET", "YES", "NO"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Side returns the winning side for a set outcome.
func (o Outcome) Side() (Side, bool) {
	switch o {
	case OutcomeYes:
		return SideYes, true
	case OutcomeNo:
		return SideNo, true
	}
	return "", false
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "UNSET", "":
		*o = OutcomeUnset
	case "YES", "TRUE":
		*o = OutcomeYes
	case "NO", "FALSE":
		*o = OutcomeNo
	default:
		return fmt.Errorf("invalid outcome %q", text)
	}
	return nil
}

// Status is the lifecycle stage of a market. It is derived from the clock
// and the outcome, never stored as a separate source of truth.
type Status uint8

const (
	StatusActive Status = iota
	StatusEnded
	StatusResolved
)

var statusNames = [...]string{"ACTIVE", "ENDED", "RESOLVED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("invalid status %q", text)
}

// Market is the state of one binary prediction market.
type Market struct {
	ID             uint64         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	EndTime        time.Time      `json:"end_time"`
	ResolutionTime time.Time      `json:"resolution_time"`
	CreatorFee     uint16         `json:"creator_fee_bps"`
	Creator        common.Address `json:"creator"`
	Resolver       common.Address `json:"resolver"`
	Status         Status         `json:"status"`
	Outcome        Outcome        `json:"outcome"`

	Liquidity        fixed.Amount `json:"liquidity"` // LMSR b
	YesShares        fixed.Amount `json:"yes_shares"`
	NoShares         fixed.Amount `json:"no_shares"`
	Collateral       fixed.Amount `json:"collateral"`
	Subsidy          fixed.Amount `json:"subsidy"`
	TotalVolume      fixed.Amount `json:"total_volume"`
	ParticipantCount uint64       `json:"participant_count"`

	// Seq is bumped on every mutation; events carry it for ordering.
	Seq uint64 `json:"seq"`

	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt time.Time   `json:"resolved_at,omitzero"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Shares returns the pool for a side.
func (m *Market) Shares(side Side) fixed.Amount {
	if side == SideYes {
		return m.YesShares
	}
	return m.NoShares
}

// Clone returns a deep copy safe to hand out of a lock.
func (m *Market) Clone() *Market {
	c := *m
	if m.Settlement != nil {
		s := *m.Settlement
		c.Settlement = &s
	}
	return &c
}

// Settlement is fixed when a market resolves.
type Settlement struct {
	Outcome       Outcome      `json:"outcome"`
	WinningShares fixed.Amount `json:"winning_shares"`
	Gross         fixed.Amount `json:"gross"`   // WinningShares × 1 unit
	Fee           fixed.Amount `json:"fee"`     // creator fee on Gross
	Net           fixed.Amount `json:"net"`     // Gross - Fee, shared by winners
	Surplus       fixed.Amount `json:"surplus"` // Collateral - Gross, refunded to creator
	Paid          fixed.Amount `json:"paid"`    // sum of claims so far
}

// MarketInfo is a market together with its current prices.
type MarketInfo struct {
	Market
	PriceYes fixed.Amount `json:"price_yes"`
	PriceNo  fixed.Amount `json:"price_no"`
}

// Position is one user's holdings in one market.
type Position struct {
	MarketID        uint64         `json:"market_id"`
	User            common.Address `json:"user"`
	YesShares       fixed.Amount   `json:"yes_shares"`
	NoShares        fixed.Amount   `json:"no_shares"`
	TotalInvestment fixed.Amount   `json:"total_investment"`
	Claimed         bool           `json:"claimed"`
	Payout          fixed.Amount   `json:"payout"`
	CreatedAt       time.Time      `json:"created_at,omitzero"`
	UpdatedAt       time.Time      `json:"updated_at,omitzero"`
}

// Shares returns the holding for a side.
func (p Position) Shares(side Side) fixed.Amount {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// Empty reports whether the position holds no shares on either side.
func (p Position) Empty() bool { return p.YesShares.IsZero() && p.NoShares.IsZero() }

// Exists reports whether the position was ever recorded.
func (p Position) Exists() bool { return !p.CreatedAt.IsZero() }

// Trade is the immutable record of one executed buy.
type Trade struct {
	ID        string         `json:"id"`
	MarketID  uint64         `json:"market_id"`
	Seq       uint64         `json:"seq"`
	User      common.Address `json:"user"`
	Side      Side           `json:"side"`
	Shares    fixed.Amount   `json:"shares"`
	Cost      fixed.Amount   `json:"cost"`
	AvgPrice  fixed.Amount   `json:"avg_price"`
	Price     fixed.Amount   `json:"price"` // traded side, after execution
	PriceYes  fixed.Amount   `json:"price_yes"`
	Timestamp time.Time      `json:"timestamp"`
}

// Quote is a price preview for a buy that has not been executed.
type Quote struct {
	MarketID uint64       `json:"market_id"`
	Side     Side         `json:"side"`
	AmountIn fixed.Amount `json:"amount_in"`
	Shares   fixed.Amount `json:"shares"`
	AvgPrice fixed.Amount `json:"avg_price"`
}

// Payout is a potential payout per outcome for one user.
type Payout struct {
	MarketID uint64         `json:"market_id"`
	User     common.Address `json:"user"`
	IfYes    fixed.Amount   `json:"if_yes"`
	IfNo     fixed.Amount   `json:"if_no"`
}

// Claim records a payout collected by a user.
type Claim struct {
	MarketID  uint64         `json:"market_id"`
	User      common.Address `json:"user"`
	Amount    fixed.Amount   `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

// PortfolioEntry is one market's position with mark-to-market value.
type PortfolioEntry struct {
	Position
	Title        string          `json:"title"`
	Category     string          `json:"category"`
	Status       Status          `json:"status"`
	Outcome      Outcome         `json:"outcome"`
	PriceYes     fixed.Amount    `json:"price_yes"`
	CurrentValue fixed.Amount    `json:"current_value"`
	PnL          decimal.Decimal `json:"pnl"` // whole units, may be negative
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	User          common.Address   `json:"user"`
	Positions     []PortfolioEntry `json:"positions"`
	TotalInvested fixed.Amount     `json:"total_invested"`
	CurrentValue  fixed.Amount     `json:"current_value"`
	TotalPnL      decimal.Decimal  `json:"total_pnl"`
	Active        int              `json:"active"`
	Won           int              `json:"won"`
	Lost          int              `json:"lost"`
}

// MarketStats summarises a set of markets for listings.
type MarketStats struct {
	Total        int          `json:"total"`
	Active       int          `json:"active"`
	Ended        int          `json:"ended"`
	Resolved     int          `json:"resolved"`
	TotalVolume  fixed.Amount `json:"total_volume"`
	Participants uint64       `json:"participants"`
}

// EventType names a ledger notification.
type EventType string

const (
	EventMarketCreated  EventType = "market_created"
	EventPositionTaken  EventType = "position_taken"
	EventMarketResolved EventType = "market_resolved"
	EventPayoutClaimed  EventType = "payout_claimed"
)

// Event is emitted after a mutation commits. Exactly one of the payload
// fields is set, matching Type.
type Event struct {
	Type      EventType  `json:"type"`
	MarketID  uint64     `json:"market_id"`
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	Market    *Market    `json:"market,omitempty"`
	Trade     *Trade     `json:"trade,omitempty"`
	Claim     *Claim     `json:"claim,omitempty"`
	Positions []Position `json:"positions,omitempty"`
}
