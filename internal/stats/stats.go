// Package stats folds the order change feed into per-account lifecycle
// counters and fill totals.
package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/internal/feed"
	"github.com/tidemark-io/tidemark/internal/schema"
)

// Snapshot is a consistent view of one account's counters.
type Snapshot struct {
	Account         string          `json:"account"`
	Opened          uint64          `json:"opened"`
	PartiallyFilled uint64          `json:"partially_filled"`
	FullyFilled     uint64          `json:"fully_filled"`
	Canceled        uint64          `json:"canceled"`
	Rejected        uint64          `json:"rejected"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	Commission      decimal.Decimal `json:"commission"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type accountStats struct {
	opened          uint64
	partiallyFilled uint64
	fullyFilled     uint64
	canceled        uint64
	rejected        uint64
	filledAmount    decimal.Decimal
	commission      decimal.Decimal
	updatedAt       time.Time
}

// Aggregator consumes order changes and maintains counters. One goroutine
// folds the feed, so snapshots are internally consistent.
type Aggregator struct {
	mu       sync.RWMutex
	accounts map[schema.AccountID]*accountStats

	done chan struct{}
}

func New() *Aggregator {
	return &Aggregator{
		accounts: make(map[schema.AccountID]*accountStats),
		done:     make(chan struct{}),
	}
}

// Run folds the subscription until the channel closes.
func (a *Aggregator) Run(changes <-chan feed.OrderChange) {
	defer close(a.done)
	for change := range changes {
		a.Apply(change)
	}
}

// Done reports fold loop exit.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Apply folds one change into the counters.
func (a *Aggregator) Apply(change feed.OrderChange) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.accounts[change.Order.Account]
	if !ok {
		st = &accountStats{}
		a.accounts[change.Order.Account] = st
	}

	switch change.Order.Status {
	case schema.StatusOpened:
		st.opened++
	case schema.StatusPartiallyFilled:
		// Count orders entering the state, not every additional fill.
		if change.Previous != schema.StatusPartiallyFilled {
			st.partiallyFilled++
		}
	case schema.StatusFullyFilled:
		st.fullyFilled++
	case schema.StatusCanceled:
		st.canceled++
	case schema.StatusRejected:
		st.rejected++
	}

	if change.Kind == schema.EventOrderFilled {
		st.filledAmount = st.filledAmount.Add(change.FillAmount)
		st.commission = st.commission.Add(change.Commission)
	}
	st.updatedAt = change.Order.UpdatedAt
}

// Account returns the snapshot for one account.
func (a *Aggregator) Account(account schema.AccountID) Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.accounts[account]
	if !ok {
		return Snapshot{Account: account.String()}
	}
	return snapshotOf(account, st)
}

// All returns snapshots for every account seen so far.
func (a *Aggregator) All() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Snapshot, 0, len(a.accounts))
	for account, st := range a.accounts {
		out = append(out, snapshotOf(account, st))
	}
	return out
}

func snapshotOf(account schema.AccountID, st *accountStats) Snapshot {
	return Snapshot{
		Account:         account.String(),
		Opened:          st.opened,
		PartiallyFilled: st.partiallyFilled,
		FullyFilled:     st.fullyFilled,
		Canceled:        st.canceled,
		Rejected:        st.rejected,
		FilledAmount:    st.filledAmount,
		Commission:      st.commission,
		UpdatedAt:       st.updatedAt,
	}
}
