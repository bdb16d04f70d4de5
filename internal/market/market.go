// Package market holds the registry of prediction markets: creation and
// validation of market parameters, lookup, listing, and the pure transforms
// that advance a market's state after a trade, a resolution or a claim.
//
// Every market lives in its own Entry guarded by its own lock. The registry
// map is only locked briefly to find or insert an Entry.
package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Text and fee limits.
const (
	MaxTitleLen       = 120
	MaxDescriptionLen = 500
	MaxCategoryLen    = 64
	MaxCreatorFee     = 1000 // basis points, i.e. 10%
)

var (
	ErrInvalidParameters = errors.New("market: invalid parameters")
	ErrNotFound          = errors.New("market: not found")
)

// Params describes a market to be created.
type Params struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	EndTime        time.Time      `json:"end_time"`
	ResolutionTime time.Time      `json:"resolution_time"`
	CreatorFee     uint16         `json:"creator_fee_bps"`
	Creator        common.Address `json:"creator"`

	// Resolver is the only account allowed to resolve the market. The zero
	// address means "use the ledger default".
	Resolver common.Address `json:"resolver"`
}

// Validate checks p against the creation rules at time now.
func (p Params) Validate(now time.Time) error {
	title := strings.TrimSpace(p.Title)
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidParameters)
	case utf8.RuneCountInString(p.Title) > MaxTitleLen:
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidParameters, MaxTitleLen)
	case utf8.RuneCountInString(p.Description) > MaxDescriptionLen:
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidParameters, MaxDescriptionLen)
	case strings.TrimSpace(p.Category) == "":
		return fmt.Errorf("%w: category is required", ErrInvalidParameters)
	case utf8.RuneCountInString(p.Category) > MaxCategoryLen:
		return fmt.Errorf("%w: category exceeds %d characters", ErrInvalidParameters, MaxCategoryLen)
	case !p.EndTime.After(now):
		return fmt.Errorf("%w: end time %s is not in the future", ErrInvalidParameters, p.EndTime.Format(time.RFC3339))
	case !p.ResolutionTime.After(p.EndTime):
		return fmt.Errorf("%w: resolution time must be after end time", ErrInvalidParameters)
	case p.CreatorFee > MaxCreatorFee:
		return fmt.Errorf("%w: creator fee %d bps exceeds %d", ErrInvalidParameters, p.CreatorFee, MaxCreatorFee)
	case p.Creator == (common.Address{}):
		return fmt.Errorf("%w: creator is required", ErrInvalidParameters)
	}
	return nil
}

// StatusAt derives the lifecycle status of m at time now.
func StatusAt(m *model.Market, now time.Time) model.Status {
	switch {
	case m.Outcome != model.OutcomeUnset:
		return model.StatusResolved
	case !now.Before(m.EndTime):
		return model.StatusEnded
	default:
		return model.StatusActive
	}
}

// ApplyTrade returns the market after a buy of shares on side for cost.
// m is not modified.
func ApplyTrade(m *model.Market, side model.Side, shares, cost fixed.Amount, newParticipant bool) (*model.Market, error) {
	next := m.Clone()
	var err error
	if side == model.SideYes {
		next.YesShares, err = m.YesShares.Add(shares)
	} else {
		next.NoShares, err = m.NoShares.Add(shares)
	}
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", side, err)
	}
	if next.TotalVolume, err = m.TotalVolume.Add(cost); err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	if next.Collateral, err = m.Collateral.Add(cost); err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	if newParticipant {
		next.ParticipantCount++
	}
	next.Seq++
	return next, nil
}

// ApplyResolution returns the market with its outcome and settlement fixed.
func ApplyResolution(m *model.Market, s model.Settlement, now time.Time) *model.Market {
	next := m.Clone()
	next.Outcome = s.Outcome
	next.Status = model.StatusResolved
	next.Settlement = &s
	next.ResolvedAt = now
	next.Seq++
	return next
}

// ApplyClaim returns the market after amount has been paid to a winner.
func ApplyClaim(m *model.Market, amount fixed.Amount) (*model.Market, error) {
	if m.Settlement == nil {
		return nil, fmt.Errorf("market %d has no settlement", m.ID)
	}
	next := m.Clone()
	paid, err := m.Settlement.Paid.Add(amount)
	if err != nil {
		return nil, fmt.Errorf("settlement paid: %w", err)
	}
	if paid.GreaterThan(m.Settlement.Net) {
		return nil, fmt.Errorf("market %d: claims %s exceed net pool %s: %w",
			m.ID, paid, m.Settlement.Net, fixed.ErrOverflow)
	}
	next.Settlement.Paid = paid
	next.Seq++
	return next, nil
}
