package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide captures the direction of an order.
type TradeSide string

const (
	// SideBuy indicates buy side orders.
	SideBuy TradeSide = "Buy"
	// SideSell indicates sell side orders.
	SideSell TradeSide = "Sell"
)

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// StatusPendingSubmission marks an order created locally but not yet
	// acknowledged by the venue.
	StatusPendingSubmission OrderStatus = "PendingSubmission"
	// StatusOpened marks an order acknowledged and resting on the venue.
	StatusOpened OrderStatus = "Opened"
	// StatusPartiallyFilled marks an order with a non-zero filled amount below
	// its full amount.
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	// StatusFullyFilled marks a terminally filled order.
	StatusFullyFilled OrderStatus = "FullyFilled"
	// StatusCanceled marks a terminally canceled order.
	StatusCanceled OrderStatus = "Canceled"
	// StatusRejected marks an order the venue refused.
	StatusRejected OrderStatus = "Rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFullyFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// Admits reports whether an event of the given kind is a legal edge from s.
// Fill-amount arithmetic is checked separately by the order store; this only
// encodes the shape of the state machine.
func (s OrderStatus) Admits(kind EventKind) bool {
	switch s {
	case StatusPendingSubmission:
		return kind == EventOrderAccepted || kind == EventOrderRejected
	case StatusOpened:
		return kind == EventOrderFilled || kind == EventOrderCanceled || kind == EventOrderRejected
	case StatusPartiallyFilled:
		return kind == EventOrderFilled || kind == EventOrderCanceled
	default:
		return false
	}
}

// Order is the authoritative record of one order on one exchange account.
type Order struct {
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Account    AccountID       `json:"account"`
	Symbol     string          `json:"symbol"`
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Filled     decimal.Decimal `json:"filled"`
	Commission decimal.Decimal `json:"commission"`
	Status     OrderStatus     `json:"status"`
	Generation uint64          `json:"generation"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled amount.
func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// OrderIntent is a request from the disposition executor to place an order.
type OrderIntent struct {
	ClientID   string          `json:"client_id"`
	Account    AccountID       `json:"account"`
	Symbol     string          `json:"symbol"`
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Generation uint64          `json:"generation"`
}

// CancelIntent is a request from the disposition executor to cancel an order.
type CancelIntent struct {
	ClientID   string    `json:"client_id"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Account    AccountID `json:"account"`
	Symbol     string    `json:"symbol"`
	Generation uint64    `json:"generation"`
}
