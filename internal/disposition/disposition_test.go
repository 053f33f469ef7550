package disposition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/internal/feed"
	"github.com/tidemark-io/tidemark/internal/orderstore"
	"github.com/tidemark-io/tidemark/internal/schema"
)

var testAccount = schema.AccountID{Venue: "paper", Number: 0}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingConnector struct {
	mu      sync.Mutex
	submits []schema.OrderIntent
	cancels []schema.CancelIntent
}

func (r *recordingConnector) Account() schema.AccountID { return testAccount }

func (r *recordingConnector) SubmitOrder(_ context.Context, intent schema.OrderIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, intent)
	return nil
}

func (r *recordingConnector) CancelOrder(_ context.Context, intent schema.CancelIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, intent)
	return nil
}

func (r *recordingConnector) Events() <-chan schema.ExchangeEvent  { return nil }
func (r *recordingConnector) MarketData() <-chan schema.MarketTick { return nil }
func (r *recordingConnector) Close(context.Context) error          { return nil }

func (r *recordingConnector) submitted() []schema.OrderIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.OrderIntent(nil), r.submits...)
}

func (r *recordingConnector) canceled() []schema.CancelIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.CancelIntent(nil), r.cancels...)
}

func testStrategy() Strategy {
	return &SpreadStrategy{
		Symbol:    "BTC-USDT",
		Spread:    dec("0.002"),
		MaxAmount: dec("0.5"),
	}
}

func newExecutor(t *testing.T, connector *recordingConnector) (*Executor, *orderstore.Store) {
	t.Helper()
	store := orderstore.New(nil, nil)
	e := NewExecutor(testAccount, connector, store, testStrategy(),
		Config{QueueDepth: 64, OrderThrottle: 1000, Generation: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e, store
}

func tick(generation uint64) schema.MarketTick {
	return schema.MarketTick{
		Account:    testAccount,
		Symbol:     "BTC-USDT",
		Bid:        dec("49999"),
		Ask:        dec("50001"),
		Generation: generation,
		Timestamp:  time.Now().UTC(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQuotesBothSidesOnTick(t *testing.T) {
	connector := new(recordingConnector)
	e, store := newExecutor(t, connector)

	e.OnMarketData(tick(1))
	waitFor(t, "two submissions", func() bool { return len(connector.submitted()) == 2 })

	var buy, sell *schema.OrderIntent
	for i := range connector.submitted() {
		intent := connector.submitted()[i]
		switch intent.Side {
		case schema.SideBuy:
			buy = &intent
		case schema.SideSell:
			sell = &intent
		}
	}
	if buy == nil || sell == nil {
		t.Fatalf("missing a side: %+v", connector.submitted())
	}
	if !buy.Price.LessThan(dec("50000")) || !sell.Price.GreaterThan(dec("50000")) {
		t.Errorf("quotes not around mid: buy=%s sell=%s", buy.Price, sell.Price)
	}
	if buy.Generation != 1 || sell.Generation != 1 {
		t.Error("intents not stamped with the active generation")
	}

	// Both intents are recorded as pending submissions.
	if order, ok := store.Get(testAccount, buy.ClientID); !ok || order.Status != schema.StatusPendingSubmission {
		t.Errorf("buy intent not recorded: ok=%v", ok)
	}
}

func TestStableQuotesAreNotResubmitted(t *testing.T) {
	connector := new(recordingConnector)
	e, _ := newExecutor(t, connector)

	e.OnMarketData(tick(1))
	waitFor(t, "initial quotes", func() bool { return len(connector.submitted()) == 2 })

	// Same prices again: nothing new should go out.
	e.OnMarketData(tick(1))
	time.Sleep(50 * time.Millisecond)
	if got := len(connector.submitted()); got != 2 {
		t.Errorf("submissions = %d after unchanged tick, want 2", got)
	}
}

func TestDriftedQuoteIsCanceled(t *testing.T) {
	connector := new(recordingConnector)
	e, _ := newExecutor(t, connector)

	e.OnMarketData(tick(1))
	waitFor(t, "initial quotes", func() bool { return len(connector.submitted()) == 2 })

	moved := tick(1)
	moved.Bid = dec("51000")
	moved.Ask = dec("51002")
	e.OnMarketData(moved)
	waitFor(t, "cancellations", func() bool { return len(connector.canceled()) == 2 })
}

func TestStaleGenerationSkippedExactlyOnce(t *testing.T) {
	connector := new(recordingConnector)
	e, _ := newExecutor(t, connector)

	e.SetGeneration(2)
	e.OnMarketData(tick(1))
	waitFor(t, "skip counter", func() bool { return e.SkippedEvents() == 1 })

	time.Sleep(20 * time.Millisecond)
	if got := e.SkippedEvents(); got != 1 {
		t.Errorf("skipped = %d, want exactly 1", got)
	}
	if got := len(connector.submitted()); got != 0 {
		t.Errorf("stale tick produced %d submissions", got)
	}

	// A new generation resets the counter.
	e.SetGeneration(3)
	if got := e.SkippedEvents(); got != 0 {
		t.Errorf("skipped = %d after generation change, want 0", got)
	}
}

func TestPauseStopsTrading(t *testing.T) {
	connector := new(recordingConnector)
	e, _ := newExecutor(t, connector)

	e.Pause()
	e.OnMarketData(tick(1))
	time.Sleep(50 * time.Millisecond)
	if got := len(connector.submitted()); got != 0 {
		t.Errorf("submissions while paused = %d, want 0", got)
	}

	e.Resume()
	e.OnMarketData(tick(1))
	waitFor(t, "quotes after resume", func() bool { return len(connector.submitted()) == 2 })
}

func TestTerminalChangeFreesTheSide(t *testing.T) {
	connector := new(recordingConnector)
	e, store := newExecutor(t, connector)

	e.OnMarketData(tick(1))
	waitFor(t, "initial quotes", func() bool { return len(connector.submitted()) == 2 })

	var buyID string
	for _, intent := range connector.submitted() {
		if intent.Side == schema.SideBuy {
			buyID = intent.ClientID
		}
	}

	// Fill the buy completely and notify the executor.
	if _, err := store.Transition(schema.ExchangeEvent{
		Kind: schema.EventOrderAccepted, Account: testAccount, ClientID: buyID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	order, err := store.Transition(schema.ExchangeEvent{
		Kind: schema.EventOrderFilled, Account: testAccount, ClientID: buyID,
		FillAmount: dec("0.5"), Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	e.OnOrderChange(feed.OrderChange{Order: order, Kind: schema.EventOrderFilled})

	e.OnMarketData(tick(1))
	waitFor(t, "replacement buy quote", func() bool {
		count := 0
		for _, intent := range connector.submitted() {
			if intent.Side == schema.SideBuy {
				count++
			}
		}
		return count == 2
	})
}

func TestChangesForOtherAccountsIgnored(t *testing.T) {
	connector := new(recordingConnector)
	e, _ := newExecutor(t, connector)

	foreign := feed.OrderChange{Order: schema.Order{
		ClientID: "c-1",
		Account:  schema.AccountID{Venue: "binance", Number: 2},
		Status:   schema.StatusFullyFilled,
	}}
	e.OnOrderChange(foreign)
	time.Sleep(20 * time.Millisecond)
	if e.DroppedEvents() != 0 && e.SkippedEvents() != 0 {
		t.Error("foreign change entered the inbox")
	}
}
