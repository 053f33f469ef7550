// Package disposition runs the trading decision loop: one executor per
// account consumes market ticks and order changes sequentially, keeps the
// strategy's quotes working on the book, and skips anything stamped with a
// stale configuration generation.
package disposition

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/exchange"
	"github.com/tidemark-io/tidemark/internal/feed"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/orderstore"
	"github.com/tidemark-io/tidemark/internal/schema"
	"github.com/tidemark-io/tidemark/internal/telemetry"
)

// requoteTolerance is the relative price drift that triggers a re-quote.
var requoteTolerance = decimal.RequireFromString("0.0005")

type inboxItem struct {
	tick   *schema.MarketTick
	change *feed.OrderChange
}

func (it inboxItem) generation() uint64 {
	if it.tick != nil {
		return it.tick.Generation
	}
	return it.change.Order.Generation
}

// Executor is the single decision loop for one account.
type Executor struct {
	account   schema.AccountID
	connector exchange.Connector
	store     *orderstore.Store
	strategy  Strategy
	limiter   *rate.Limiter
	metrics   *telemetry.EngineMetrics

	generation atomic.Uint64
	skipped    atomic.Uint64
	paused     atomic.Bool

	inbox   chan inboxItem
	dropped atomic.Uint64
	done    chan struct{}

	// Working quote per side, client id keyed by trade side.
	working map[schema.TradeSide]string
}

// Config carries executor tuning.
type Config struct {
	QueueDepth    int
	OrderThrottle float64
	Generation    uint64
}

// NewExecutor builds the executor. Run must be called to start the loop.
func NewExecutor(account schema.AccountID, connector exchange.Connector, store *orderstore.Store,
	strategy Strategy, cfg Config, metrics *telemetry.EngineMetrics) *Executor {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 512
	}
	throttle := cfg.OrderThrottle
	if throttle <= 0 {
		throttle = 5
	}
	e := &Executor{
		account:   account,
		connector: connector,
		store:     store,
		strategy:  strategy,
		limiter:   rate.NewLimiter(rate.Limit(throttle), int(throttle)+1),
		metrics:   metrics,
		inbox:     make(chan inboxItem, depth),
		done:      make(chan struct{}),
		working:   make(map[schema.TradeSide]string),
	}
	e.generation.Store(cfg.Generation)
	return e
}

// Run consumes the inbox until the context ends. It never blocks producers.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.inbox:
			e.process(ctx, item)
		}
	}
}

// Done reports loop exit.
func (e *Executor) Done() <-chan struct{} { return e.done }

// OnMarketData enqueues a tick without blocking. A full inbox sheds the tick,
// quotes recover on the next one.
func (e *Executor) OnMarketData(tick schema.MarketTick) {
	select {
	case e.inbox <- inboxItem{tick: &tick}:
	default:
		e.dropped.Add(1)
	}
}

// OnOrderChange enqueues an order change without blocking.
func (e *Executor) OnOrderChange(change feed.OrderChange) {
	if change.Order.Account != e.account {
		return
	}
	select {
	case e.inbox <- inboxItem{change: &change}:
	default:
		e.dropped.Add(1)
	}
}

// Pause stops trading decisions; events keep draining from the inbox.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume re-enables trading decisions.
func (e *Executor) Resume() { e.paused.Store(false) }

// SetGeneration installs the active configuration generation and resets the
// stale-skip counter.
func (e *Executor) SetGeneration(generation uint64) {
	e.generation.Store(generation)
	e.skipped.Store(0)
}

// SkippedEvents reports how many stale-generation events were skipped since
// the last generation change.
func (e *Executor) SkippedEvents() uint64 { return e.skipped.Load() }

// DroppedEvents reports inbox overflow since start.
func (e *Executor) DroppedEvents() uint64 { return e.dropped.Load() }

func (e *Executor) process(ctx context.Context, item inboxItem) {
	current := e.generation.Load()
	if gen := item.generation(); gen != 0 && gen != current {
		e.skipped.Add(1)
		e.metrics.EventSkipped(ctx, e.account.String())
		return
	}
	if e.paused.Load() {
		return
	}

	switch {
	case item.tick != nil:
		e.onTick(ctx, *item.tick, current)
	case item.change != nil:
		e.onChange(*item.change)
	}
}

// onTick reconciles the strategy's desired quotes with the working orders.
func (e *Executor) onTick(ctx context.Context, tick schema.MarketTick, generation uint64) {
	for _, quote := range e.strategy.Quotes(tick) {
		clientID, has := e.working[quote.Side]
		if has {
			order, ok := e.store.Get(e.account, clientID)
			if ok && !order.Status.Terminal() {
				if withinTolerance(order.Price, quote.Price) {
					continue
				}
				e.cancel(ctx, order)
				continue
			}
			delete(e.working, quote.Side)
		}
		e.submit(ctx, tick.Symbol, quote, generation)
	}
}

// onChange clears side tracking once a working order reaches a terminal
// state, so the next tick can quote that side again.
func (e *Executor) onChange(change feed.OrderChange) {
	if !change.Order.Status.Terminal() {
		return
	}
	for side, clientID := range e.working {
		if clientID == change.Order.ClientID {
			delete(e.working, side)
		}
	}
}

func (e *Executor) submit(ctx context.Context, symbol string, quote Quote, generation uint64) {
	if !e.limiter.Allow() {
		return
	}
	intent := schema.OrderIntent{
		ClientID:   uuid.NewString(),
		Account:    e.account,
		Symbol:     symbol,
		Side:       quote.Side,
		Price:      quote.Price,
		Amount:     quote.Amount,
		Generation: generation,
	}
	if err := e.store.Upsert(schema.Order{
		ClientID:   intent.ClientID,
		Account:    e.account,
		Symbol:     symbol,
		Side:       quote.Side,
		Price:      quote.Price,
		Amount:     quote.Amount,
		Status:     schema.StatusPendingSubmission,
		Generation: generation,
	}); err != nil {
		observability.Log().Error("recording order intent failed",
			observability.F("account", e.account.String()),
			observability.F("error", err.Error()))
		return
	}
	e.working[quote.Side] = intent.ClientID

	if err := e.connector.SubmitOrder(ctx, intent); err != nil {
		observability.Log().Error("order submission failed",
			observability.F("account", e.account.String()),
			observability.F("order", intent.ClientID),
			observability.F("error", err.Error()))
		delete(e.working, quote.Side)
		// The venue never saw the order (or definitively refused it), so
		// close the record out as rejected.
		if _, terr := e.store.Transition(schema.ExchangeEvent{
			Kind:      schema.EventOrderRejected,
			Account:   e.account,
			ClientID:  intent.ClientID,
			Timestamp: time.Now().UTC(),
		}); terr != nil && !errs.HasCode(terr, errs.CodeInvalidState) {
			observability.Log().Error("closing failed submission",
				observability.F("order", intent.ClientID),
				observability.F("error", terr.Error()))
		}
	}
}

func (e *Executor) cancel(ctx context.Context, order schema.Order) {
	if !e.limiter.Allow() {
		return
	}
	err := e.connector.CancelOrder(ctx, schema.CancelIntent{
		ClientID:   order.ClientID,
		ExchangeID: order.ExchangeID,
		Account:    e.account,
		Symbol:     order.Symbol,
		Generation: order.Generation,
	})
	if err != nil && !errs.HasCode(err, errs.CodeUnknownOrder) {
		observability.Log().Error("order cancellation failed",
			observability.F("account", e.account.String()),
			observability.F("order", order.ClientID),
			observability.F("error", err.Error()))
	}
}

func withinTolerance(current, target decimal.Decimal) bool {
	if target.Sign() == 0 {
		return current.Sign() == 0
	}
	drift := current.Sub(target).Abs().Div(target)
	return drift.LessThanOrEqual(requoteTolerance)
}
