// Package reconciler turns raw exchange event streams into committed order
// store transitions: one worker per account, duplicate suppression by
// idempotency key, and a bounded reordering window for sequenced events.
package reconciler

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/orderstore"
	"github.com/tidemark-io/tidemark/internal/schema"
	"github.com/tidemark-io/tidemark/internal/telemetry"
)

// dedupeCapacity bounds the per-account set of remembered idempotency keys.
const dedupeCapacity = 8192

// Reconciler applies exchange events to the order store. Each account gets
// its own worker goroutine, so a stalled venue cannot delay the others.
type Reconciler struct {
	store   *orderstore.Store
	cfg     config.ReorderConfig
	metrics *telemetry.EngineMetrics
	clock   func() time.Time

	wg conc.WaitGroup
}

// New creates a reconciler writing into the given store.
func New(store *orderstore.Store, cfg config.ReorderConfig, metrics *telemetry.EngineMetrics, clock func() time.Time) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{store: store, cfg: cfg, metrics: metrics, clock: clock}
}

// Run consumes the account's event stream until the channel closes or the
// context ends. Buffered events are drained in order before the worker exits.
func (r *Reconciler) Run(ctx context.Context, account schema.AccountID, events <-chan schema.ExchangeEvent) {
	w := &worker{
		reconciler: r,
		account:    account,
		seen:       newDedupeSet(dedupeCapacity),
		window:     newReorderWindow(r.cfg, r.clock),
	}
	r.wg.Go(func() { w.loop(ctx, events) })
}

// Wait blocks until every account worker has exited.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

type worker struct {
	reconciler *Reconciler
	account    schema.AccountID
	seen       *dedupeSet
	window     *reorderWindow
}

func (w *worker) loop(ctx context.Context, events <-chan schema.ExchangeEvent) {
	interval := w.reconciler.cfg.FlushInterval
	if interval <= 0 {
		interval = config.DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.apply(ctx, w.window.drain(), false)
			return
		case evt, ok := <-events:
			if !ok {
				w.apply(ctx, w.window.drain(), false)
				return
			}
			w.ingest(ctx, evt)
		case now := <-ticker.C:
			w.apply(ctx, w.window.flush(now), true)
		}
	}
}

func (w *worker) ingest(ctx context.Context, evt schema.ExchangeEvent) {
	if err := evt.Validate(); err != nil {
		observability.Log().Error("dropping malformed exchange event",
			observability.F("account", w.account.String()),
			observability.F("error", err.Error()))
		return
	}
	if !w.seen.add(evt.IdempotencyKey()) {
		w.reconciler.metrics.DuplicateDropped(ctx, w.account.String())
		observability.Log().Debug("dropping duplicate exchange event",
			observability.F("account", w.account.String()),
			observability.F("key", evt.IdempotencyKey()))
		return
	}
	w.apply(ctx, w.window.add(evt), false)
}

// apply commits released events to the order store. Rejections by the state
// machine are logged and counted, never fatal.
func (w *worker) apply(ctx context.Context, ready []schema.ExchangeEvent, late bool) {
	for _, evt := range ready {
		if late {
			w.reconciler.metrics.ReorderRelease(ctx, w.account.String())
		}
		if _, err := w.reconciler.store.Transition(evt); err != nil {
			w.reconciler.metrics.TransitionRejected(ctx, w.account.String())
			level := observability.Log().Error
			if errs.HasCode(err, errs.CodeInvalidState) || errs.HasCode(err, errs.CodeUnknownOrder) {
				level = observability.Log().Debug
			}
			level("exchange event rejected",
				observability.F("account", w.account.String()),
				observability.F("kind", string(evt.Kind)),
				observability.F("order", evt.ClientID),
				observability.F("error", err.Error()))
			continue
		}
		w.reconciler.metrics.EventApplied(ctx, w.account.String())
	}
}

// dedupeSet remembers the most recent idempotency keys. When full it forgets
// the oldest key first.
type dedupeSet struct {
	capacity int
	keys     map[string]struct{}
	order    []string
	head     int
}

func newDedupeSet(capacity int) *dedupeSet {
	if capacity <= 0 {
		capacity = dedupeCapacity
	}
	return &dedupeSet{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// add records the key and reports whether it was new.
func (d *dedupeSet) add(key string) bool {
	if _, ok := d.keys[key]; ok {
		return false
	}
	if len(d.keys) >= d.capacity {
		oldest := d.order[d.head]
		delete(d.keys, oldest)
		d.order[d.head] = key
		d.head = (d.head + 1) % d.capacity
	} else {
		d.order = append(d.order, key)
	}
	d.keys[key] = struct{}{}
	return true
}
