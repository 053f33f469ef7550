// Package exchange defines the venue connector contract and the registry the
// engine resolves connectors from.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/schema"
)

// Connector is one authenticated session against a venue account. Event and
// market data channels close when the connector is closed.
type Connector interface {
	Account() schema.AccountID
	SubmitOrder(ctx context.Context, intent schema.OrderIntent) error
	CancelOrder(ctx context.Context, intent schema.CancelIntent) error
	Events() <-chan schema.ExchangeEvent
	MarketData() <-chan schema.MarketTick
	Close(ctx context.Context) error
}

// Factory builds a connector for one configured account.
type Factory func(ctx context.Context, cfg config.AccountConfig) (Connector, error)

// Registry maps venue names to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs the factory for a venue name. Registering the same venue
// twice panics, as it would hide a wiring mistake.
func (r *Registry) Register(venue string, factory Factory) {
	venue = strings.ToLower(strings.TrimSpace(venue))
	if venue == "" || factory == nil {
		panic("exchange: registering empty venue or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[venue]; exists {
		panic(fmt.Sprintf("exchange: venue %q registered twice", venue))
	}
	r.factories[venue] = factory
}

// Open builds a connector for the account's venue.
func (r *Registry) Open(ctx context.Context, cfg config.AccountConfig) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Account.Venue]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(cfg.Account.Venue, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("no connector registered for venue %q", cfg.Account.Venue)))
	}
	return factory(ctx, cfg)
}

// Venues lists the registered venue names in sorted order.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	venues := make([]string, 0, len(r.factories))
	for venue := range r.factories {
		venues = append(venues, venue)
	}
	sort.Strings(venues)
	return venues
}
