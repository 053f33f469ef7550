// Package paper provides a simulated venue. Prices follow a random walk and
// resting orders fill when the walk crosses their limit, which is enough to
// exercise the full order lifecycle without touching a real exchange.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/exchange"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/schema"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	defaultBasePrice    = 50_000.0
	defaultSpreadBps    = 2.0
	defaultWalkBps      = 5.0
	// Taker commission in basis points of the filled amount.
	commissionBps = 10.0
)

// Option tunes the simulation.
type Option func(*Connector)

// WithTickInterval sets how often market ticks are emitted.
func WithTickInterval(d time.Duration) Option {
	return func(c *Connector) { c.tickInterval = d }
}

// WithBasePrice sets the starting mid price for a symbol.
func WithBasePrice(symbol string, price float64) Option {
	return func(c *Connector) { c.basePrices[symbol] = price }
}

// WithSeed makes the walk deterministic.
func WithSeed(seed int64) Option {
	return func(c *Connector) { c.rng = rand.New(rand.NewSource(seed)) }
}

type restingOrder struct {
	intent     schema.OrderIntent
	exchangeID string
	remaining  decimal.Decimal
	seq        uint64
}

func (r *restingOrder) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// Connector is one simulated account session.
type Connector struct {
	account      schema.AccountID
	symbols      []string
	tickInterval time.Duration
	basePrices   map[string]float64

	events chan schema.ExchangeEvent
	ticks  chan schema.MarketTick

	mu   sync.Mutex
	rng  *rand.Rand
	mids map[string]float64
	open map[string]*restingOrder

	cancel context.CancelFunc
	done   chan struct{}
}

// Register installs the paper venue factory.
func Register(registry *exchange.Registry) {
	registry.Register("paper", func(ctx context.Context, cfg config.AccountConfig) (exchange.Connector, error) {
		return New(ctx, cfg)
	})
}

// New starts a simulated session for the account.
func New(ctx context.Context, cfg config.AccountConfig, opts ...Option) (*Connector, error) {
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		return nil, errs.New("paper", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("account %s has no symbols", cfg.Account)))
	}

	c := &Connector{
		account:      cfg.Account,
		symbols:      symbols,
		tickInterval: defaultTickInterval,
		basePrices:   make(map[string]float64),
		events:       make(chan schema.ExchangeEvent, 256),
		ticks:        make(chan schema.MarketTick, 256),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		mids:         make(map[string]float64),
		open:         make(map[string]*restingOrder),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, symbol := range symbols {
		base, ok := c.basePrices[symbol]
		if !ok {
			base = defaultBasePrice
		}
		c.mids[symbol] = base
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return c, nil
}

func (c *Connector) Account() schema.AccountID { return c.account }

func (c *Connector) Events() <-chan schema.ExchangeEvent { return c.events }

func (c *Connector) MarketData() <-chan schema.MarketTick { return c.ticks }

// SubmitOrder accepts the intent and emits an acknowledgement on the event
// stream. Intents for symbols the session does not trade are rejected.
func (c *Connector) SubmitOrder(_ context.Context, intent schema.OrderIntent) error {
	if intent.Amount.Sign() <= 0 || intent.Price.Sign() <= 0 {
		return errs.New("paper", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("order %s has non-positive price or amount", intent.ClientID)))
	}
	if !c.trades(intent.Symbol) {
		return errs.New("paper", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("symbol %s not traded on this session", intent.Symbol)))
	}

	c.mu.Lock()
	if _, exists := c.open[intent.ClientID]; exists {
		c.mu.Unlock()
		return errs.New("paper", errs.CodeDuplicate,
			errs.WithMessage(fmt.Sprintf("order %s already open", intent.ClientID)))
	}
	order := &restingOrder{
		intent:     intent,
		exchangeID: uuid.NewString(),
		remaining:  intent.Amount,
	}
	c.open[intent.ClientID] = order
	seq := order.nextSeq()
	// Emit under the lock so no fill from a concurrent step can precede
	// the acknowledgement on the event stream.
	c.emit(schema.ExchangeEvent{
		Kind:       schema.EventOrderAccepted,
		Account:    c.account,
		ClientID:   intent.ClientID,
		ExchangeID: order.exchangeID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Price:      intent.Price,
		Amount:     intent.Amount,
		Seq:        seq,
		Generation: intent.Generation,
		Timestamp:  time.Now().UTC(),
	})
	c.mu.Unlock()
	return nil
}

// CancelOrder removes the resting order and emits a cancellation event.
func (c *Connector) CancelOrder(_ context.Context, intent schema.CancelIntent) error {
	c.mu.Lock()
	order, ok := c.open[intent.ClientID]
	if ok {
		delete(c.open, intent.ClientID)
	}
	c.mu.Unlock()
	if !ok {
		return errs.New("paper", errs.CodeUnknownOrder,
			errs.WithMessage(fmt.Sprintf("no open order %s", intent.ClientID)))
	}

	c.emit(schema.ExchangeEvent{
		Kind:       schema.EventOrderCanceled,
		Account:    c.account,
		ClientID:   intent.ClientID,
		ExchangeID: order.exchangeID,
		Symbol:     order.intent.Symbol,
		Seq:        order.nextSeq(),
		Generation: order.intent.Generation,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// Close stops the simulation. The event and market data channels close once
// the run loop exits.
func (c *Connector) Close(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) trades(symbol string) bool {
	for _, s := range c.symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	defer close(c.ticks)

	interval := c.tickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.step(now.UTC())
		}
	}
}

// step advances the walk one tick for every symbol, publishes quotes and
// fills resting orders the new price crosses.
func (c *Connector) step(now time.Time) {
	c.mu.Lock()
	type pendingFill struct {
		order *restingOrder
		fill  decimal.Decimal
		seq   uint64
	}
	var (
		quotes []schema.MarketTick
		fills  []pendingFill
	)

	for _, symbol := range c.symbols {
		mid := c.mids[symbol]
		drift := 1 + (c.rng.Float64()*2-1)*defaultWalkBps/10_000
		mid *= drift
		c.mids[symbol] = mid

		half := mid * defaultSpreadBps / 2 / 10_000
		bid := decimal.NewFromFloat(mid - half).Round(2)
		ask := decimal.NewFromFloat(mid + half).Round(2)
		quotes = append(quotes, schema.MarketTick{
			Account:   c.account,
			Symbol:    symbol,
			Bid:       bid,
			Ask:       ask,
			Timestamp: now,
		})

		for clientID, order := range c.open {
			if !strings.EqualFold(order.intent.Symbol, symbol) {
				continue
			}
			crossed := (order.intent.Side == schema.SideBuy && ask.LessThanOrEqual(order.intent.Price)) ||
				(order.intent.Side == schema.SideSell && bid.GreaterThanOrEqual(order.intent.Price))
			if !crossed {
				continue
			}
			// Fill between half and all of the remainder.
			fraction := 0.5 + c.rng.Float64()*0.5
			fill := order.remaining.Mul(decimal.NewFromFloat(fraction)).Round(8)
			if fill.Sign() <= 0 || fill.GreaterThan(order.remaining) {
				fill = order.remaining
			}
			order.remaining = order.remaining.Sub(fill)
			fills = append(fills, pendingFill{order: order, fill: fill, seq: order.nextSeq()})
			if order.remaining.Sign() <= 0 {
				delete(c.open, clientID)
			}
		}
	}
	c.mu.Unlock()

	for _, quote := range quotes {
		select {
		case c.ticks <- quote:
		default:
		}
	}
	for _, pf := range fills {
		price := pf.order.intent.Price
		commission := pf.fill.Mul(price).
			Mul(decimal.NewFromFloat(commissionBps / 10_000)).Round(8)
		c.emit(schema.ExchangeEvent{
			Kind:       schema.EventOrderFilled,
			Account:    c.account,
			ClientID:   pf.order.intent.ClientID,
			ExchangeID: pf.order.exchangeID,
			Symbol:     pf.order.intent.Symbol,
			Side:       pf.order.intent.Side,
			FillPrice:  price,
			FillAmount: pf.fill,
			Commission: commission,
			Seq:        pf.seq,
			Generation: pf.order.intent.Generation,
			Timestamp:  time.Now().UTC(),
		})
	}
}

// emit never blocks the simulation. A full stream loses the event, which the
// log makes visible so a stalled consumer is not mistaken for a quiet venue.
func (c *Connector) emit(evt schema.ExchangeEvent) {
	select {
	case c.events <- evt:
	default:
		observability.Log().Error("event stream full, event lost",
			observability.F("account", c.account.String()),
			observability.F("order", evt.ClientID),
			observability.F("kind", string(evt.Kind)))
	}
}

// midPrice reports the current walk position, rounded like the quotes.
func (c *Connector) midPrice(symbol string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return decimal.NewFromFloat(math.Round(c.mids[symbol]*100) / 100)
}
