// Package orderstore holds the authoritative order-lifecycle state for every
// connected exchange account.
package orderstore

import (
	"fmt"
	"hash/fnv"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/feed"
	"github.com/tidemark-io/tidemark/internal/schema"
)

const shardCount = 16

type entry struct {
	mu    sync.RWMutex
	order schema.Order
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store maps (account, client id) keys to order state. Writers to the same
// key are serialized on the entry lock; different keys proceed concurrently.
type Store struct {
	shards [shardCount]shard

	indexMu    sync.RWMutex
	byExchange map[string]string

	changes *feed.Feed
	clock   func() time.Time
}

// New creates an order store publishing transitions on the given feed.
func New(changes *feed.Feed, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	s := &Store{
		byExchange: make(map[string]string),
		changes:    changes,
		clock:      clock,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func storeKey(account schema.AccountID, clientID string) string {
	return account.String() + "/" + clientID
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) lookup(key string) (*entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	return e, ok
}

// Upsert inserts or replaces the order record for its key. New intent records
// enter as PendingSubmission before the venue acknowledges them.
func (s *Store) Upsert(order schema.Order) error {
	if order.Account.IsZero() || strings.TrimSpace(order.ClientID) == "" {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("order requires account and client id"))
	}
	now := s.clock().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = schema.StatusPendingSubmission
	}

	key := storeKey(order.Account, order.ClientID)
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = new(entry)
		sh.entries[key] = e
	}
	sh.mu.Unlock()

	e.mu.Lock()
	e.order = order
	e.mu.Unlock()

	if order.ExchangeID != "" {
		s.indexExchangeID(order.Account, order.ExchangeID, key)
	}
	return nil
}

// Get returns a snapshot of the order for the key.
func (s *Store) Get(account schema.AccountID, clientID string) (schema.Order, bool) {
	e, ok := s.lookup(storeKey(account, clientID))
	if !ok {
		return schema.Order{}, false
	}
	e.mu.RLock()
	order := e.order
	e.mu.RUnlock()
	return order, true
}

// GetByExchangeID returns a snapshot of the order carrying the venue-assigned id.
func (s *Store) GetByExchangeID(account schema.AccountID, exchangeID string) (schema.Order, bool) {
	s.indexMu.RLock()
	key, ok := s.byExchange[account.String()+"/"+exchangeID]
	s.indexMu.RUnlock()
	if !ok {
		return schema.Order{}, false
	}
	e, ok := s.lookup(key)
	if !ok {
		return schema.Order{}, false
	}
	e.mu.RLock()
	order := e.order
	e.mu.RUnlock()
	return order, true
}

// Transition applies an exchange event to the order it references and
// publishes the resulting change. An OrderAccepted event for an unknown key
// creates the order (venue-initiated or externally submitted orders).
func (s *Store) Transition(evt schema.ExchangeEvent) (schema.Order, error) {
	if err := evt.Validate(); err != nil {
		return schema.Order{}, err
	}

	e, err := s.resolve(evt)
	if err != nil {
		return schema.Order{}, err
	}

	e.mu.Lock()
	previous := e.order.Status
	updated, err := apply(e.order, evt, s.clock().UTC())
	if err != nil {
		e.mu.Unlock()
		return schema.Order{}, err
	}
	e.order = updated
	e.mu.Unlock()

	if evt.Kind == schema.EventOrderAccepted && updated.ExchangeID != "" {
		s.indexExchangeID(updated.Account, updated.ExchangeID, storeKey(updated.Account, updated.ClientID))
	}

	if s.changes != nil {
		s.changes.Publish(feed.OrderChange{
			Order:      updated,
			Previous:   previous,
			Kind:       evt.Kind,
			FillAmount: evt.FillAmount,
			Commission: evt.Commission,
		})
	}
	return updated, nil
}

// resolve finds the entry an event refers to, creating it for acknowledgements
// of orders the store has never seen.
func (s *Store) resolve(evt schema.ExchangeEvent) (*entry, error) {
	clientID := strings.TrimSpace(evt.ClientID)
	if clientID == "" {
		s.indexMu.RLock()
		key, ok := s.byExchange[evt.Account.String()+"/"+evt.ExchangeID]
		s.indexMu.RUnlock()
		if !ok {
			return nil, errs.New("orderstore", errs.CodeUnknownOrder,
				errs.WithMessage(fmt.Sprintf("no order with exchange id %q on %s", evt.ExchangeID, evt.Account)))
		}
		e, found := s.lookup(key)
		if !found {
			return nil, errs.New("orderstore", errs.CodeUnknownOrder,
				errs.WithMessage(fmt.Sprintf("order for exchange id %q evicted", evt.ExchangeID)))
		}
		return e, nil
	}

	key := storeKey(evt.Account, clientID)
	if e, ok := s.lookup(key); ok {
		return e, nil
	}
	if evt.Kind != schema.EventOrderAccepted {
		return nil, errs.New("orderstore", errs.CodeUnknownOrder,
			errs.WithMessage(fmt.Sprintf("no order %s/%s for %s event", evt.Account, clientID, evt.Kind)))
	}

	// Acknowledgement for an order the executor never recorded: admit it as a
	// pending record so the transition below opens it.
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{order: schema.Order{
			ClientID:   clientID,
			Account:    evt.Account,
			Symbol:     evt.Symbol,
			Side:       evt.Side,
			Price:      evt.Price,
			Amount:     evt.Amount,
			Status:     schema.StatusPendingSubmission,
			Generation: evt.Generation,
			CreatedAt:  s.clock().UTC(),
		}}
		sh.entries[key] = e
	}
	sh.mu.Unlock()
	return e, nil
}

// apply computes the order that results from the event, or rejects it.
func apply(order schema.Order, evt schema.ExchangeEvent, now time.Time) (schema.Order, error) {
	if !order.Status.Admits(evt.Kind) {
		return schema.Order{}, errs.New("orderstore", errs.CodeInvalidState,
			errs.WithMessage(fmt.Sprintf("%s event is not a legal edge from %s for order %s", evt.Kind, order.Status, order.ClientID)))
	}

	switch evt.Kind {
	case schema.EventOrderAccepted:
		order.Status = schema.StatusOpened
		if evt.ExchangeID != "" {
			order.ExchangeID = evt.ExchangeID
		}
	case schema.EventOrderFilled:
		filled := order.Filled.Add(evt.FillAmount)
		if filled.GreaterThan(order.Amount) {
			return schema.Order{}, errs.New("orderstore", errs.CodeInvalidState,
				errs.WithMessage(fmt.Sprintf("fill of %s would exceed amount %s on order %s", evt.FillAmount, order.Amount, order.ClientID)))
		}
		order.Filled = filled
		order.Commission = order.Commission.Add(evt.Commission)
		if filled.Equal(order.Amount) {
			order.Status = schema.StatusFullyFilled
		} else {
			order.Status = schema.StatusPartiallyFilled
		}
	case schema.EventOrderCanceled:
		order.Status = schema.StatusCanceled
	case schema.EventOrderRejected:
		order.Status = schema.StatusRejected
	}

	order.UpdatedAt = now
	return order, nil
}

func (s *Store) indexExchangeID(account schema.AccountID, exchangeID, key string) {
	s.indexMu.Lock()
	s.byExchange[account.String()+"/"+exchangeID] = key
	s.indexMu.Unlock()
}

// List yields snapshots of every order on the account.
func (s *Store) List(account schema.AccountID) iter.Seq[schema.Order] {
	prefix := account.String() + "/"
	return func(yield func(schema.Order) bool) {
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.RLock()
			entries := make([]*entry, 0, len(sh.entries))
			for key, e := range sh.entries {
				if strings.HasPrefix(key, prefix) {
					entries = append(entries, e)
				}
			}
			sh.mu.RUnlock()
			for _, e := range entries {
				e.mu.RLock()
				order := e.order
				e.mu.RUnlock()
				if !yield(order) {
					return
				}
			}
		}
	}
}

// Open returns snapshots of the account's non-terminal orders.
func (s *Store) Open(account schema.AccountID) []schema.Order {
	var open []schema.Order
	for order := range s.List(account) {
		if !order.Status.Terminal() {
			open = append(open, order)
		}
	}
	return open
}

// EvictTerminalOlderThan removes terminal orders whose last update is older
// than the retention window and returns the evicted snapshots.
func (s *Store) EvictTerminalOlderThan(retention time.Duration) []schema.Order {
	cutoff := s.clock().UTC().Add(-retention)
	var evicted []schema.Order
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			e.mu.RLock()
			order := e.order
			e.mu.RUnlock()
			if order.Status.Terminal() && order.UpdatedAt.Before(cutoff) {
				delete(sh.entries, key)
				evicted = append(evicted, order)
			}
		}
		sh.mu.Unlock()
	}
	if len(evicted) > 0 {
		s.indexMu.Lock()
		for _, order := range evicted {
			if order.ExchangeID != "" {
				delete(s.byExchange, order.Account.String()+"/"+order.ExchangeID)
			}
		}
		s.indexMu.Unlock()
	}
	return evicted
}
