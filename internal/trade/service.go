// Package trade provides the HTTP handlers for the prediction ledger:
// market creation and listing, quotes and buys, resolution and claims,
// positions and portfolios, and the development token endpoints.
//
// Amounts travel as base-unit integer strings (18 decimals); accounts as
// 0x-prefixed hex addresses.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/ledger"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/token"
)

// TokenAdmin is the token surface the development endpoints need.
// *token.Ledger implements it.
type TokenAdmin interface {
	Symbol() string
	BalanceOf(owner common.Address) fixed.Amount
	Allowance(owner, spender common.Address) fixed.Amount
	Approve(owner, spender common.Address, amount fixed.Amount) error
	Mint(to common.Address, amount fixed.Amount) error
}

// Service handles ledger operations over HTTP.
type Service struct {
	ledger *ledger.Ledger
	token  TokenAdmin
	faucet fixed.Amount
	logger *slog.Logger
}

// NewService creates the HTTP service. tok may be nil when value transfer is
// handled outside the process; the token routes then answer 404. A zero
// faucet disables minting.
func NewService(l *ledger.Ledger, tok TokenAdmin, faucet fixed.Amount, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, token: tok, faucet: faucet, logger: logger}
}

// Routes registers every endpoint on r. The caller mounts r under /api/v1.
//
// The acting address in each request body (buyer, creator, resolver, user,
// owner) is taken as the caller's identity without verification. Deployments
// must authenticate callers upstream, in a gateway or signing layer, before
// requests reach these handlers.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/creation-cost", s.GetCreationCost)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/quote", s.Quote)
	r.Post("/markets/{marketID}/buy", s.Buy)
	r.Get("/markets/{marketID}/positions/{user}", s.GetPosition)
	r.Get("/markets/{marketID}/payout/{user}", s.GetPayout)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
	r.Post("/markets/{marketID}/claim", s.Claim)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)

	r.Get("/portfolio/{user}", s.GetPortfolio)
	r.Get("/portfolio/{user}/trades", s.GetUserTrades)

	r.Post("/token/approve", s.Approve)
	r.Post("/token/faucet", s.Faucet)
	r.Get("/token/{owner}", s.GetAccount)
}

// --- Request/Response types ---

// BuyRequest is the JSON body for POST /markets/{marketID}/buy.
type BuyRequest struct {
	Side   string         `json:"side"` // "YES" or "NO"
	Amount fixed.Amount   `json:"amount"`
	Buyer  common.Address `json:"buyer"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
// Resolver is trusted as the caller's authenticated identity; the ledger
// only checks that it matches the market's designated resolver.
type ResolveRequest struct {
	Outcome  model.Outcome  `json:"outcome"`
	Resolver common.Address `json:"resolver"`
}

// ClaimRequest is the JSON body for POST /markets/{marketID}/claim.
// User is trusted as the caller's authenticated identity.
type ClaimRequest struct {
	User common.Address `json:"user"`
}

type ClaimResponse struct {
	MarketID uint64         `json:"market_id"`
	User     common.Address `json:"user"`
	Amount   fixed.Amount   `json:"amount"`
}

// MarketList is the response of GET /markets.
type MarketList struct {
	Markets []model.MarketInfo `json:"markets"`
	Stats   model.MarketStats  `json:"stats"`
}

// PriceResponse is the response of GET /markets/{marketID}/price. Without a
// side query both prices are returned.
type PriceResponse struct {
	MarketID uint64       `json:"market_id"`
	Yes      fixed.Amount `json:"yes"`
	No       fixed.Amount `json:"no"`
}

// ApproveRequest is the JSON body for POST /token/approve. An empty spender
// means the ledger escrow account.
type ApproveRequest struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  fixed.Amount   `json:"amount"`
}

type FaucetRequest struct {
	To common.Address `json:"to"`
}

// Account is the response of the token endpoints.
type Account struct {
	Owner     common.Address `json:"owner"`
	Symbol    string         `json:"symbol"`
	Balance   fixed.Amount   `json:"balance"`
	Escrow    common.Address `json:"escrow"`
	Allowance fixed.Amount   `json:"allowance"` // granted to escrow
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req market.Params
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.ledger.CreateMarket(r.Context(), req)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetCreationCost handles GET /api/v1/markets/creation-cost
// Returns what a creator must approve to the escrow account.
func (s *Service) GetCreationCost(w http.ResponseWriter, r *http.Request) {
	cost, err := s.ledger.CreationCost()
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": cost,
		"escrow": s.ledger.Escrow(),
	})
}

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?category=, ?status=active|ended|resolved, ?q=, ?creator=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := market.Filter{
		Category: q.Get("category"),
		Query:    q.Get("q"),
	}
	if v := q.Get("status"); v != "" {
		var st model.Status
		if err := st.UnmarshalText([]byte(v)); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Status = &st
	}
	if v := q.Get("creator"); v != "" {
		addr, ok := parseAddress(v)
		if !ok {
			writeError(w, "invalid creator address", http.StatusBadRequest)
			return
		}
		f.Creator = addr
	}

	markets, stats, err := s.ledger.ListMarkets(f)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketList{Markets: markets, Stats: stats})
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	info, err := s.ledger.GetMarketInfo(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("side"); v != "" {
		side, err := model.ParseSide(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		price, err := s.ledger.GetCurrentPrice(id, side)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "side": side, "price": price})
		return
	}

	info, err := s.ledger.GetMarketInfo(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{MarketID: id, Yes: info.PriceYes, No: info.PriceNo})
}

// Quote handles GET /api/v1/markets/{marketID}/quote?side=yes&amount=<base units>
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	side, err := model.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := fixed.ParseUnits(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount must be a base-unit integer", http.StatusBadRequest)
		return
	}

	q, err := s.ledger.QuoteBuy(id, side, amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Buy handles POST /api/v1/markets/{marketID}/buy
// The buyer must have approved the escrow account for at least amount.
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}

	t, err := s.ledger.BuyShares(r.Context(), id, side, req.Amount, req.Buyer)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{user}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	p, err := s.ledger.GetPosition(id, user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPayout handles GET /api/v1/markets/{marketID}/payout/{user}
func (s *Service) GetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	p, err := s.ledger.GetPotentialPayout(id, user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.ledger.ResolveMarket(r.Context(), id, req.Outcome, req.Resolver)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Claim handles POST /api/v1/markets/{marketID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.ledger.ClaimPayout(r.Context(), id, req.User)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{MarketID: id, User: req.User, Amount: amount})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the market's trades, oldest first, to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	trades, err := s.ledger.History(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Portfolio handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{user}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	pf, err := s.ledger.Portfolio(user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetUserTrades handles GET /api/v1/portfolio/{user}/trades
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	trades, err := s.ledger.UserTrades(r.Context(), user)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Token handlers ---

// Approve handles POST /api/v1/token/approve
// Stands in for a wallet-signed approval; only the in-process token has it.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	if s.token == nil {
		writeError(w, "token endpoints disabled", http.StatusNotFound)
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == (common.Address{}) {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	spender := req.Spender
	if spender == (common.Address{}) {
		spender = s.ledger.Escrow()
	}
	if err := s.token.Approve(req.Owner, spender, req.Amount); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("allowance set", "owner", req.Owner.Hex(), "spender", spender.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, s.account(req.Owner))
}

// Faucet handles POST /api/v1/token/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	if s.token == nil || s.faucet.IsZero() {
		writeError(w, "faucet disabled", http.StatusNotFound)
		return
	}
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.token.Mint(req.To, s.faucet); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("faucet mint", "to", req.To.Hex(), "amount", s.faucet.String())
	writeJSON(w, http.StatusOK, s.account(req.To))
}

// GetAccount handles GET /api/v1/token/{owner}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	if s.token == nil {
		writeError(w, "token endpoints disabled", http.StatusNotFound)
		return
	}
	owner, ok := userParam(w, r, "owner")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.account(owner))
}

func (s *Service) account(owner common.Address) Account {
	escrow := s.ledger.Escrow()
	return Account{
		Owner:     owner,
		Symbol:    s.token.Symbol(),
		Balance:   s.token.BalanceOf(owner),
		Escrow:    escrow,
		Allowance: s.token.Allowance(owner, escrow),
	}
}

// --- helpers ---

func marketID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "marketID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, fmt.Sprintf("invalid market id %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func userParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, ok := parseAddress(chi.URLParam(r, name))
	if !ok {
		writeError(w, "invalid "+name+" address", http.StatusBadRequest)
	}
	return addr, ok
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// statusFor maps ledger error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidParameters),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrTooEarly):
		return http.StatusTooEarly
	case errors.Is(err, ledger.ErrMarketNotActive),
		errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrNotResolved),
		errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, ledger.ErrNoPosition),
		errors.Is(err, ledger.ErrPriceOutOfBounds),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
