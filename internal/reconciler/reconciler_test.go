package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/internal/orderstore"
	"github.com/tidemark-io/tidemark/internal/schema"
)

var testAccount = schema.AccountID{Venue: "paper", Number: 0}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() config.ReorderConfig {
	return config.ReorderConfig{
		LatenessTolerance: 50 * time.Millisecond,
		MaxBufferSize:     64,
		FlushInterval:     10 * time.Millisecond,
	}
}

func seedOrder(t *testing.T, store *orderstore.Store, clientID, amount string) {
	t.Helper()
	err := store.Upsert(schema.Order{
		ClientID: clientID,
		Account:  testAccount,
		Symbol:   "BTC-USDT",
		Side:     schema.SideBuy,
		Price:    dec("50000"),
		Amount:   dec(amount),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func event(clientID string, kind schema.EventKind, seq uint64) schema.ExchangeEvent {
	return schema.ExchangeEvent{
		Kind:      kind,
		Account:   testAccount,
		ClientID:  clientID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
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

func TestAppliesEventsInSequenceOrder(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "10")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	// Out of order: the fills arrive before the acknowledgement.
	fill1 := event("c-1", schema.EventOrderFilled, 2)
	fill1.FillAmount = dec("4")
	fill2 := event("c-1", schema.EventOrderFilled, 3)
	fill2.FillAmount = dec("6")
	events <- fill2
	events <- fill1
	events <- event("c-1", schema.EventOrderAccepted, 1)

	waitFor(t, "order fully filled", func() bool {
		order, ok := store.Get(testAccount, "c-1")
		return ok && order.Status == schema.StatusFullyFilled
	})
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if !order.Filled.Equal(dec("10")) {
		t.Errorf("filled = %s, want 10", order.Filled)
	}
}

func TestDuplicateEventsApplyOnce(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "10")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	events <- event("c-1", schema.EventOrderAccepted, 1)
	fill := event("c-1", schema.EventOrderFilled, 2)
	fill.FillAmount = dec("4")
	events <- fill
	events <- fill
	events <- fill
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if !order.Filled.Equal(dec("4")) {
		t.Errorf("filled = %s after duplicate delivery, want 4", order.Filled)
	}
	if order.Status != schema.StatusPartiallyFilled {
		t.Errorf("status = %s, want %s", order.Status, schema.StatusPartiallyFilled)
	}
}

func TestUnsequencedEventsBypassWindow(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "1")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	events <- event("c-1", schema.EventOrderAccepted, 0)
	events <- event("c-1", schema.EventOrderCanceled, 0)
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if order.Status != schema.StatusCanceled {
		t.Errorf("status = %s, want %s", order.Status, schema.StatusCanceled)
	}
}

func TestUnsequencedPartialFillsAllApply(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "1")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	events <- event("c-1", schema.EventOrderAccepted, 0)

	// Two distinct fills of the same order from a venue that does not
	// sequence its stream. Their timestamps differ, so neither may be
	// mistaken for a redelivery of the other.
	base := time.Now().UTC()
	first := event("c-1", schema.EventOrderFilled, 0)
	first.FillAmount = dec("0.25")
	first.Timestamp = base
	second := event("c-1", schema.EventOrderFilled, 0)
	second.FillAmount = dec("0.75")
	second.Timestamp = base.Add(150 * time.Millisecond)

	events <- first
	events <- second
	// An exact redelivery of the first fill is a true duplicate.
	events <- first
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if order.Status != schema.StatusFullyFilled {
		t.Errorf("status = %s, want %s", order.Status, schema.StatusFullyFilled)
	}
	if !order.Filled.Equal(dec("1")) {
		t.Errorf("filled = %s, want 1", order.Filled)
	}
}

func TestLatenessFlushReleasesGappedEvents(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "1")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx, testAccount, events)

	// Sequence 1 never arrives; 2 and 3 must still apply once the
	// lateness tolerance expires.
	events <- event("c-1", schema.EventOrderAccepted, 2)
	events <- event("c-1", schema.EventOrderCanceled, 3)

	waitFor(t, "gapped events released", func() bool {
		order, ok := store.Get(testAccount, "c-1")
		return ok && order.Status == schema.StatusCanceled
	})
	close(events)
	r.Wait()
}

func TestDrainsBufferedEventsOnClose(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "1")
	cfg := testConfig()
	cfg.LatenessTolerance = time.Hour
	cfg.FlushInterval = time.Hour
	r := New(store, cfg, nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	// Gapped, so the window holds them until the worker drains on close.
	events <- event("c-1", schema.EventOrderAccepted, 5)
	events <- event("c-1", schema.EventOrderCanceled, 6)
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if order.Status != schema.StatusCanceled {
		t.Errorf("status = %s, want %s", order.Status, schema.StatusCanceled)
	}
}

func TestRejectedTransitionDoesNotStopWorker(t *testing.T) {
	store := orderstore.New(nil, nil)
	seedOrder(t, store, "c-1", "1")
	r := New(store, testConfig(), nil, nil)

	events := make(chan schema.ExchangeEvent, 8)
	r.Run(context.Background(), testAccount, events)

	// Cancel before accept is an illegal edge; the worker must keep going.
	events <- event("c-1", schema.EventOrderCanceled, 0)
	events <- event("c-1", schema.EventOrderAccepted, 0)
	close(events)
	r.Wait()

	order, _ := store.Get(testAccount, "c-1")
	if order.Status != schema.StatusOpened {
		t.Errorf("status = %s, want %s", order.Status, schema.StatusOpened)
	}
}

func TestReorderWindowDepthAndOverflow(t *testing.T) {
	cfg := config.ReorderConfig{LatenessTolerance: time.Hour, MaxBufferSize: 2, FlushInterval: time.Hour}
	w := newReorderWindow(cfg, nil)

	if got := w.add(event("c-1", schema.EventOrderAccepted, 1)); len(got) != 1 {
		t.Fatalf("contiguous head not released: %v", got)
	}
	if got := w.add(event("c-1", schema.EventOrderFilled, 3)); len(got) != 0 {
		t.Fatalf("gapped event released early: %v", got)
	}
	if got := w.add(event("c-1", schema.EventOrderFilled, 4)); len(got) != 0 {
		t.Fatalf("gapped event released early: %v", got)
	}
	if w.depth() != 2 {
		t.Errorf("depth = %d, want 2", w.depth())
	}

	// A third gapped event exceeds the buffer cap and forces the oldest out.
	got := w.add(event("c-1", schema.EventOrderFilled, 5))
	if len(got) == 0 {
		t.Error("expected overflow release when buffer exceeds cap")
	}
}

func TestDedupeSetEvictsOldest(t *testing.T) {
	d := newDedupeSet(2)
	if !d.add("a") || !d.add("b") {
		t.Fatal("fresh keys reported as duplicates")
	}
	if d.add("a") {
		t.Error("remembered key reported as new")
	}
	if !d.add("c") {
		t.Fatal("fresh key rejected")
	}
	// "a" was oldest and is forgotten once capacity is exceeded.
	if !d.add("a") {
		t.Error("evicted key still remembered")
	}
}
