package dto

import (
	"fmt"
	"math"
	"time"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type SubmitOrderRequest struct {
	InstrumentID string `json:"instrument_id" binding:"required"`
	Side         string `json:"side" binding:"required"`
	// Quantity is decoded as a decimal so fractional or oversized values are
	// reported as invalid_quantity rather than a JSON error.
	Quantity decimal.Decimal `json:"quantity"`
}

// SideOrderRequest is the body of POST /orders/buy and /orders/sell.
type SideOrderRequest struct {
	InstrumentID string          `json:"instrument_id" binding:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// ToDomain builds the engine request. Side and quantity are checked here only
// for shape; business validation stays in the engine.
func (r SubmitOrderRequest) ToDomain(accountID, idempotencyKey string) (domain.OrderRequest, error) {
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	qty, err := Quantity(r.Quantity)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	return domain.OrderRequest{
		AccountID:      accountID,
		InstrumentID:   r.InstrumentID,
		Side:           side,
		Quantity:       qty,
		IdempotencyKey: idempotencyKey,
	}, nil
}

// Quantity converts a JSON number to a whole unit count.
func Quantity(q decimal.Decimal) (int64, error) {
	if !q.IsInteger() || q.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || q.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: quantity must be a positive integer, got %s", domain.ErrInvalidQuantity, q)
	}
	return q.IntPart(), nil
}

type SubmitOrderResponse struct {
	Trade      Trade           `json:"trade"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Replayed   bool            `json:"replayed,omitempty"`
}

type PositionResponse struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Quantity     int64  `json:"quantity"`
}

type StatisticsResponse struct {
	TotalTrades     int64           `json:"total_trades"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	TotalReceived   decimal.Decimal `json:"total_received"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	NetInvestment   decimal.Decimal `json:"net_investment"`
	RecentTrades    []Trade         `json:"recent_trades"`
}

type WalletResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
}

type TradesResponse struct {
	Trades []Trade `json:"trades"`
}

type CreateAccountRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	Balance   decimal.Decimal `json:"balance"`
}

type AccountResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

type CreateInstrumentRequest struct {
	ID                string          `json:"id,omitempty"`
	Symbol            string          `json:"symbol" binding:"required"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int64           `json:"available_quantity"`
	Active            *bool           `json:"active,omitempty"`
}

func (r CreateInstrumentRequest) ToDomain() domain.Instrument {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.Instrument{
		ID:                r.ID,
		Symbol:            r.Symbol,
		Name:              r.Name,
		Price:             r.Price,
		AvailableQuantity: r.AvailableQuantity,
		Active:            active,
	}
}

type UpdateInstrumentRequest struct {
	Name   *string          `json:"name,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Active *bool            `json:"active,omitempty"`
}

func (r UpdateInstrumentRequest) ToDomain() domain.InstrumentUpdate {
	return domain.InstrumentUpdate{Name: r.Name, Price: r.Price, Active: r.Active}
}

type Instrument struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int64           `json:"available_quantity"`
	Active            bool            `json:"active"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type InstrumentsResponse struct {
	Instruments []Instrument `json:"instruments"`
}

type ReconcileResponse struct {
	Clean bool                   `json:"clean"`
	Drift []domain.PositionDrift `json:"drift"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Trade carries Total unsigned as booked; BalanceDelta is the signed movement
// it caused on the wallet.
type Trade struct {
	ID             string          `json:"id"`
	InstrumentID   string          `json:"instrument_id"`
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Commission     decimal.Decimal `json:"commission"`
	Total          decimal.Decimal `json:"total"`
	BalanceDelta   decimal.Decimal `json:"balance_delta"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func FromTrade(t *domain.Trade) Trade {
	return Trade{
		ID:             t.ID,
		InstrumentID:   t.InstrumentID,
		Side:           string(t.Side),
		Quantity:       t.Quantity,
		Price:          t.Price,
		Commission:     t.Commission,
		Total:          t.Total,
		BalanceDelta:   t.BalanceDelta(),
		BalanceAfter:   t.BalanceAfter,
		Status:         string(t.Status),
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt,
	}
}

func FromTrades(trades []*domain.Trade) []Trade {
	res := make([]Trade, len(trades))
	for i, t := range trades {
		res[i] = FromTrade(t)
	}
	return res
}

func FromStatistics(s *domain.Statistics) StatisticsResponse {
	return StatisticsResponse{
		TotalTrades:     s.TotalTrades,
		TotalInvested:   s.TotalInvested,
		TotalReceived:   s.TotalReceived,
		TotalCommission: s.TotalCommission,
		NetInvestment:   s.NetInvestment,
		RecentTrades:    FromTrades(s.RecentTrades),
	}
}

func FromInstrument(i *domain.Instrument) Instrument {
	return Instrument{
		ID:                i.ID,
		Symbol:            i.Symbol,
		Name:              i.Name,
		Price:             i.Price,
		AvailableQuantity: i.AvailableQuantity,
		Active:            i.Active,
		UpdatedAt:         i.UpdatedAt,
	}
}

func FromInstruments(list []*domain.Instrument) []Instrument {
	res := make([]Instrument, len(list))
	for i, in := range list {
		res[i] = FromInstrument(in)
	}
	return res
}
