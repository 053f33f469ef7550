// Package supervisor owns the engine lifecycle: it deploys the per-account
// pipelines, drives hot reconfiguration with drain and rollback, and answers
// the control plane's health, stats and stop requests.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/archive"
	"github.com/tidemark-io/tidemark/internal/disposition"
	"github.com/tidemark-io/tidemark/internal/exchange"
	"github.com/tidemark-io/tidemark/internal/feed"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/orderstore"
	"github.com/tidemark-io/tidemark/internal/reconciler"
	"github.com/tidemark-io/tidemark/internal/schema"
	"github.com/tidemark-io/tidemark/internal/stats"
	"github.com/tidemark-io/tidemark/internal/telemetry"
	"github.com/tidemark-io/tidemark/lib/async"
)

// State is the supervisor's lifecycle phase.
type State string

const (
	StateRunning       State = "Running"
	StateDraining      State = "Draining"
	StateReconfiguring State = "Reconfiguring"
	StateStopped       State = "Stopped"
)

// DispositionStats reports the executors' deliberate skips.
type DispositionStats struct {
	SkippedEvents uint64 `json:"skipped_events_amount"`
}

// StatsReport is the control plane's statistics payload.
type StatsReport struct {
	Generation  uint64           `json:"generation"`
	State       State            `json:"state"`
	Accounts    []stats.Snapshot `json:"accounts"`
	Disposition DispositionStats `json:"disposition"`
}

// deployment is one generation's worth of connectors, workers and executors.
type deployment struct {
	generation uint64
	cancel     context.CancelFunc
	connectors map[schema.AccountID]exchange.Connector
	executors  map[schema.AccountID]*disposition.Executor
	rec        *reconciler.Reconciler
	feedSub    feed.SubscriptionID
	pumps      conc.WaitGroup
}

// Supervisor coordinates the engine. Control operations are serialized; the
// data path never blocks on them.
type Supervisor struct {
	registry *exchange.Registry
	metrics  *telemetry.EngineMetrics
	archiver *archive.Archive

	store   *orderstore.Store
	changes *feed.Feed
	agg     *stats.Aggregator
	pool    *async.Pool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	background conc.WaitGroup

	// Orders still open when a drain deadline expired. Folded into the
	// disposition skip accounting; reset when a new generation deploys.
	abandoned atomic.Uint64

	// mu serializes control operations; stateMu guards what the data and
	// query paths read while a control operation is in flight.
	mu sync.Mutex

	stateMu    sync.RWMutex
	state      State
	healthErr  error
	cfg        config.Config
	doc        []byte
	generation uint64
	dep        *deployment
}

// New builds a supervisor for the validated configuration. The archiver may
// be nil when no archive DSN is configured.
func New(cfg config.Config, doc []byte, registry *exchange.Registry,
	metrics *telemetry.EngineMetrics, archiver *archive.Archive) *Supervisor {
	return &Supervisor{
		registry: registry,
		metrics:  metrics,
		archiver: archiver,
		cfg:      cfg,
		doc:      append([]byte(nil), doc...),
		state:    StateStopped,
	}
}

// Start deploys the first generation and begins background folding and
// eviction. It fails without side effects if any connector cannot open.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dep != nil {
		return errs.New("supervisor", errs.CodeInvalidState, errs.WithMessage("already started"))
	}

	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.changes = feed.New(s.cfg.Engine.FeedBuffer)
	s.store = orderstore.New(s.changes, nil)
	s.agg = stats.New()

	pool, err := async.NewPool(2, 64)
	if err != nil {
		return err
	}
	s.pool = pool

	_, statsSub := s.changes.Subscribe()
	s.background.Go(func() { s.agg.Run(statsSub) })
	evictEvery := s.cfg.Engine.EvictionInterval
	s.background.Go(func() { s.evictionLoop(s.baseCtx, evictEvery) })

	dep, err := s.deploy(s.cfg, 1)
	if err != nil {
		s.baseCancel()
		s.changes.Close()
		s.pool.Close()
		s.background.Wait()
		return err
	}
	s.stateMu.Lock()
	s.dep = dep
	s.generation = 1
	s.state = StateRunning
	s.healthErr = nil
	s.stateMu.Unlock()
	observability.Log().Info("engine running",
		observability.F("generation", 1),
		observability.F("accounts", len(s.cfg.Accounts)))
	return nil
}

// deploy opens connectors and starts the pipelines for one generation.
func (s *Supervisor) deploy(cfg config.Config, generation uint64) (*deployment, error) {
	depCtx, cancel := context.WithCancel(s.baseCtx)
	dep := &deployment{
		generation: generation,
		cancel:     cancel,
		connectors: make(map[schema.AccountID]exchange.Connector),
		executors:  make(map[schema.AccountID]*disposition.Executor),
		rec:        reconciler.New(s.store, cfg.Engine.Reorder, s.metrics, nil),
	}

	for _, accountCfg := range cfg.Accounts {
		conn, err := s.registry.Open(depCtx, accountCfg)
		if err != nil {
			s.teardown(dep)
			return nil, err
		}
		wrapped := exchange.WithRetry(conn)
		dep.connectors[accountCfg.Account] = wrapped

		strategy := &disposition.SpreadStrategy{
			Symbol:    cfg.Strategy.Symbol,
			Spread:    cfg.Strategy.SpreadAmount,
			MaxAmount: cfg.Strategy.MaxOrderAmount,
		}
		executor := disposition.NewExecutor(accountCfg.Account, wrapped, s.store, strategy,
			disposition.Config{
				QueueDepth:    cfg.Engine.QueueDepth,
				OrderThrottle: cfg.Engine.OrderThrottle,
				Generation:    generation,
			}, s.metrics)
		dep.executors[accountCfg.Account] = executor

		dep.rec.Run(depCtx, accountCfg.Account, wrapped.Events())
		dep.pumps.Go(func() { executor.Run(depCtx) })
		dep.pumps.Go(func() { pumpMarketData(wrapped.MarketData(), executor) })
	}

	sub, changeCh := s.changes.Subscribe()
	dep.feedSub = sub
	dep.pumps.Go(func() {
		for change := range changeCh {
			if executor, ok := dep.executors[change.Order.Account]; ok {
				executor.OnOrderChange(change)
			}
		}
	})
	return dep, nil
}

func pumpMarketData(ticks <-chan schema.MarketTick, executor *disposition.Executor) {
	for tick := range ticks {
		executor.OnMarketData(tick)
	}
}

// teardown stops one deployment and waits for its goroutines.
func (s *Supervisor) teardown(dep *deployment) {
	dep.cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.Engine.DrainTimeout)
	defer closeCancel()
	for account, conn := range dep.connectors {
		if err := conn.Close(closeCtx); err != nil {
			observability.Log().Error("connector close failed",
				observability.F("account", account.String()),
				observability.F("error", err.Error()))
		}
	}
	s.changes.Unsubscribe(dep.feedSub)
	dep.rec.Wait()
	dep.pumps.Wait()
}

// drain pauses trading and tries to flatten the book: every open order is
// canceled and the store is polled until quiet or the deadline passes.
func (s *Supervisor) drain(dep *deployment, timeout time.Duration) {
	for _, executor := range dep.executors {
		executor.Pause()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for account, conn := range dep.connectors {
		for _, order := range s.store.Open(account) {
			if order.Status == schema.StatusPendingSubmission {
				continue
			}
			err := conn.CancelOrder(ctx, schema.CancelIntent{
				ClientID:   order.ClientID,
				ExchangeID: order.ExchangeID,
				Account:    account,
				Symbol:     order.Symbol,
				Generation: order.Generation,
			})
			if err != nil {
				observability.Log().Error("drain cancel failed",
					observability.F("account", account.String()),
					observability.F("order", order.ClientID),
					observability.F("error", err.Error()))
				if errs.HasCode(err, errs.CodeNetwork) {
					s.setHealthErr(err)
				}
			}
		}
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.openOrders(dep) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			open := s.openOrders(dep)
			s.abandoned.Add(uint64(open))
			observability.Log().Error("drain timeout with orders still open",
				observability.F("open", open))
			return
		case <-ticker.C:
		}
	}
}

// openOrders counts non-terminal orders across the deployment's accounts,
// ignoring intents the venue never acknowledged.
func (s *Supervisor) openOrders(dep *deployment) int {
	var open int
	for account := range dep.connectors {
		for _, order := range s.store.Open(account) {
			if order.Status != schema.StatusPendingSubmission {
				open++
			}
		}
	}
	return open
}

// Reconfigure validates the document, drains the current generation, and
// swaps to a new one. On deployment failure the previous configuration is
// restored; the active configuration never ends up half-applied.
func (s *Supervisor) Reconfigure(ctx context.Context, doc []byte) error {
	cfg, err := config.Parse(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CurrentState() != StateRunning {
		return errs.New("supervisor", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("cannot reconfigure while %s", s.CurrentState())))
	}

	s.setState(StateDraining, nil)
	s.drain(s.dep, s.cfg.Engine.DrainTimeout)
	s.setState(StateReconfiguring, nil)
	old := s.dep
	s.stateMu.Lock()
	s.dep = nil
	s.stateMu.Unlock()
	s.teardown(old)

	next := s.generation + 1
	dep, err := s.deploy(cfg, next)
	if err != nil {
		observability.Log().Error("reconfiguration failed, rolling back",
			observability.F("error", err.Error()))
		rollback, rbErr := s.deploy(s.cfg, next)
		if rbErr != nil {
			failure := errs.New("supervisor", errs.CodeReconfiguration,
				errs.WithMessage("rollback after failed reconfiguration"), errs.WithCause(rbErr))
			s.setState(StateStopped, failure)
			return failure
		}
		s.abandoned.Store(0)
		s.stateMu.Lock()
		s.dep = rollback
		s.generation = next
		s.state = StateRunning
		s.healthErr = nil
		s.stateMu.Unlock()
		return errs.New("supervisor", errs.CodeReconfiguration,
			errs.WithMessage("reconfiguration failed, previous configuration restored"),
			errs.WithCause(err))
	}

	s.abandoned.Store(0)
	s.stateMu.Lock()
	s.dep = dep
	s.cfg = cfg
	s.doc = append([]byte(nil), doc...)
	s.generation = next
	s.state = StateRunning
	s.healthErr = nil
	s.stateMu.Unlock()
	s.metrics.Reconfigured(ctx)
	observability.Log().Info("reconfiguration complete",
		observability.F("generation", next))
	return nil
}

// Stop drains and shuts the engine down. Safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CurrentState() == StateStopped {
		return nil
	}

	s.setState(StateDraining, nil)
	s.drain(s.dep, s.cfg.Engine.DrainTimeout)
	old := s.dep
	s.stateMu.Lock()
	s.dep = nil
	s.stateMu.Unlock()
	s.teardown(old)

	// Archive whatever is terminal before the store goes away.
	if s.archiver != nil {
		evicted := s.store.EvictTerminalOlderThan(0)
		if len(evicted) > 0 {
			if err := s.archiver.Store(ctx, evicted); err != nil {
				observability.Log().Error("final archive write failed",
					observability.F("error", err.Error()))
			}
		}
	}

	s.baseCancel()
	s.changes.Close()
	s.pool.Close()
	s.background.Wait()
	s.setState(StateStopped, nil)
	observability.Log().Info("engine stopped")
	return nil
}

// Health returns nil while the engine is Running and no transport or
// reconfiguration failure is outstanding.
func (s *Supervisor) Health() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.healthErr != nil {
		return s.healthErr
	}
	if s.state != StateRunning {
		return errs.New("supervisor", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("engine is %s", s.state)))
	}
	return nil
}

// CurrentState reports the lifecycle phase.
func (s *Supervisor) CurrentState() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Document returns the active configuration document.
func (s *Supervisor) Document() []byte {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return append([]byte(nil), s.doc...)
}

// Stats returns the cumulative per-account statistics and the current
// generation's disposition skips.
func (s *Supervisor) Stats() StatsReport {
	s.stateMu.RLock()
	dep := s.dep
	generation := s.generation
	state := s.state
	s.stateMu.RUnlock()

	report := StatsReport{
		Generation: generation,
		State:      state,
	}
	if s.agg != nil {
		report.Accounts = s.agg.All()
	}
	if dep != nil {
		for _, executor := range dep.executors {
			report.Disposition.SkippedEvents += executor.SkippedEvents()
		}
	}
	report.Disposition.SkippedEvents += s.abandoned.Load()
	return report
}

func (s *Supervisor) setState(state State, healthErr error) {
	s.stateMu.Lock()
	s.state = state
	s.healthErr = healthErr
	s.stateMu.Unlock()
}

func (s *Supervisor) setHealthErr(err error) {
	s.stateMu.Lock()
	s.healthErr = err
	s.stateMu.Unlock()
}

// evictionLoop ages terminal orders out of the store and hands them to the
// archive pool. The retention window is re-read under stateMu each tick so a
// reconfiguration can change it without racing this goroutine.
func (s *Supervisor) evictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stateMu.RLock()
			retention := s.cfg.Engine.RetentionWindow
			s.stateMu.RUnlock()
			evicted := s.store.EvictTerminalOlderThan(retention)
			if len(evicted) == 0 || s.archiver == nil {
				continue
			}
			batch := evicted
			err := s.pool.Submit(ctx, func(taskCtx context.Context) error {
				return s.archiver.Store(taskCtx, batch)
			})
			if err != nil {
				observability.Log().Error("archive submission failed",
					observability.F("orders", len(batch)),
					observability.F("error", err.Error()))
			}
		}
	}
}
