// Package token is an in-process fungible token with ERC-20 style balances
// and allowances. The ledger moves value only through TransferFrom (pulling
// from a user who approved it) and Transfer (paying out of its own escrow
// account).
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
)

type allowanceKey struct {
	owner, spender common.Address
}

// Ledger is a thread-safe token. Its zero value is not usable; call New.
type Ledger struct {
	symbol string
	logger *slog.Logger

	mu         sync.Mutex
	balances   map[common.Address]fixed.Amount
	allowances map[allowanceKey]fixed.Amount
	supply     fixed.Amount
}

// New creates an empty token.
func New(symbol string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		symbol:     symbol,
		logger:     logger,
		balances:   make(map[common.Address]fixed.Amount),
		allowances: make(map[allowanceKey]fixed.Amount),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// TotalSupply returns the sum of all minted amounts.
func (l *Ledger) TotalSupply() fixed.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

func (l *Ledger) BalanceOf(owner common.Address) fixed.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

func (l *Ledger) Allowance(owner, spender common.Address) fixed.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner, spender}]
}

// Approve sets the amount spender may pull from owner, replacing any
// previous allowance.
func (l *Ledger) Approve(owner, spender common.Address, amount fixed.Amount) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	l.allowances[allowanceKey{owner, spender}] = amount
	l.mu.Unlock()
	l.logger.Debug("approval", "owner", owner.Hex(), "spender", spender.Hex(), "amount", amount.String())
	return nil
}

// Mint creates amount out of thin air for to.
func (l *Ledger) Mint(to common.Address, amount fixed.Amount) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.supply.Add(amount)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	bal, err := l.balances[to].Add(amount)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	l.supply = supply
	l.balances[to] = bal
	return nil
}

// Transfer moves amount from the caller's own account.
func (l *Ledger) Transfer(from, to common.Address, amount fixed.Amount) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom moves amount from owner to to on behalf of spender, consuming
// allowance.
func (l *Ledger) TransferFrom(spender, owner, to common.Address, amount fixed.Amount) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := allowanceKey{owner, spender}
	remaining, err := l.allowances[k].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s allowed %s, needs %s",
			ErrInsufficientAllowance, owner.Hex(), l.allowances[k], amount)
	}
	if err := l.move(owner, to, amount); err != nil {
		return err
	}
	l.allowances[k] = remaining
	return nil
}

// move requires l.mu.
func (l *Ledger) move(from, to common.Address, amount fixed.Amount) error {
	fromBal, err := l.balances[from].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s, needs %s",
			ErrInsufficientBalance, from.Hex(), l.balances[from], amount)
	}
	if from == to {
		return nil
	}
	toBal, err := l.balances[to].Add(amount)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	l.balances[from] = fromBal
	l.balances[to] = toBal
	return nil
}
