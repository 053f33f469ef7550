package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/errs"
)

// EventKind enumerates externally observed order facts.
type EventKind string

const (
	// EventOrderAccepted indicates the venue acknowledged an order.
	EventOrderAccepted EventKind = "OrderAccepted"
	// EventOrderFilled indicates a partial or full fill.
	EventOrderFilled EventKind = "OrderFilled"
	// EventOrderCanceled indicates the venue canceled the order remainder.
	EventOrderCanceled EventKind = "OrderCanceled"
	// EventOrderRejected indicates the venue refused the order.
	EventOrderRejected EventKind = "OrderRejected"
)

// Valid reports whether the kind is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventOrderAccepted, EventOrderFilled, EventOrderCanceled, EventOrderRejected:
		return true
	default:
		return false
	}
}

// ExchangeEvent is one externally observed fact about an order.
//
// Seq carries the venue-assigned per-account sequence when the venue provides
// one; zero means absent, in which case events apply in arrival order.
type ExchangeEvent struct {
	Key        string          `json:"key"`
	Kind       EventKind       `json:"kind"`
	Account    AccountID       `json:"account"`
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Side       TradeSide       `json:"side,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	FillAmount decimal.Decimal `json:"fill_amount"`
	Commission decimal.Decimal `json:"commission"`
	Seq        uint64          `json:"seq,omitempty"`
	Generation uint64          `json:"generation"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate rejects events missing the fields every kind requires.
func (e ExchangeEvent) Validate() error {
	if !e.Kind.Valid() {
		return errs.New("schema/event", errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("unknown event kind %q", e.Kind)))
	}
	if e.Account.IsZero() {
		return errs.New("schema/event", errs.CodeMalformed, errs.WithMessage("account id required"))
	}
	if strings.TrimSpace(e.ClientID) == "" && strings.TrimSpace(e.ExchangeID) == "" {
		return errs.New("schema/event", errs.CodeMalformed, errs.WithMessage("order reference required"))
	}
	if e.Kind == EventOrderFilled && e.FillAmount.Sign() <= 0 {
		return errs.New("schema/event", errs.CodeMalformed, errs.WithMessage("fill amount must be positive"))
	}
	return nil
}

// IdempotencyKey returns the explicit key or derives a stable one from the
// order reference, kind, and venue sequence. Unsequenced events fall back to
// the venue timestamp as the discriminator: a redelivered event carries the
// same timestamp, while distinct fills of one order do not.
func (e ExchangeEvent) IdempotencyKey() string {
	if key := strings.TrimSpace(e.Key); key != "" {
		return key
	}
	ref := e.ClientID
	if ref == "" {
		ref = e.ExchangeID
	}
	if e.Seq == 0 {
		return fmt.Sprintf("%s:%s:%s:t%d", e.Account, ref, e.Kind, e.Timestamp.UnixNano())
	}
	return fmt.Sprintf("%s:%s:%s:%d", e.Account, ref, e.Kind, e.Seq)
}

// MarketTick is one best-bid/ask observation for an instrument.
type MarketTick struct {
	Account    AccountID       `json:"account"`
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Generation uint64          `json:"generation"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Spread returns ask minus bid.
func (t MarketTick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}
