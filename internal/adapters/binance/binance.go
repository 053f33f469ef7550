// Package binance implements the venue connector for Binance spot accounts:
// signed REST for order placement and the user data stream plus book tickers
// over WebSocket for events and quotes.
package binance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/exchange"
	"github.com/tidemark-io/tidemark/internal/schema"
)

const (
	defaultRESTEndpoint = "https://api.binance.com"
	defaultWSEndpoint   = "wss://stream.binance.com:9443"
	// Binance invalidates idle listen keys after 60 minutes.
	listenKeyKeepAlive = 30 * time.Minute
)

// Connector is one authenticated Binance spot session.
type Connector struct {
	account schema.AccountID
	symbols []string
	rest    *restClient

	events chan schema.ExchangeEvent
	ticks  chan schema.MarketTick

	// Generation stamped onto events, set from the intents flowing through.
	genMu      sync.RWMutex
	generation uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Register installs the binance venue factory.
func Register(registry *exchange.Registry) {
	registry.Register("binance", func(ctx context.Context, cfg config.AccountConfig) (exchange.Connector, error) {
		return New(ctx, cfg)
	})
}

// New opens the session: a listen key for the user data stream, one combined
// market stream, and a signed REST client.
func New(ctx context.Context, cfg config.AccountConfig) (*Connector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errs.New("binance", errs.CodeConfig,
			errs.WithMessage("account "+cfg.Account.String()+" missing api credentials"))
	}
	if len(cfg.Symbols) == 0 {
		return nil, errs.New("binance", errs.CodeConfig,
			errs.WithMessage("account "+cfg.Account.String()+" has no symbols"))
	}

	restEndpoint := cfg.RESTEndpoint
	if restEndpoint == "" {
		restEndpoint = defaultRESTEndpoint
	}
	wsEndpoint := cfg.WSEndpoint
	if wsEndpoint == "" {
		wsEndpoint = defaultWSEndpoint
	}

	c := &Connector{
		account: cfg.Account,
		symbols: cfg.Symbols,
		rest:    newRESTClient(restEndpoint, cfg.APIKey, cfg.APISecret, cfg.HTTPTimeout),
		events:  make(chan schema.ExchangeEvent, 512),
		ticks:   make(chan schema.MarketTick, 512),
		done:    make(chan struct{}),
	}

	listenKey, err := c.rest.createListenKey(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx, wsEndpoint, listenKey)
	return c, nil
}

func (c *Connector) Account() schema.AccountID { return c.account }

func (c *Connector) Events() <-chan schema.ExchangeEvent { return c.events }

func (c *Connector) MarketData() <-chan schema.MarketTick { return c.ticks }

// SubmitOrder places a limit order carrying the intent's client id so the
// user data stream can be matched back to it.
func (c *Connector) SubmitOrder(ctx context.Context, intent schema.OrderIntent) error {
	c.setGeneration(intent.Generation)
	return c.rest.submitOrder(ctx, intent)
}

func (c *Connector) CancelOrder(ctx context.Context, intent schema.CancelIntent) error {
	c.setGeneration(intent.Generation)
	return c.rest.cancelOrder(ctx, intent)
}

// Close tears down the streams. Event and market data channels close once
// the stream goroutine exits.
func (c *Connector) Close(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) setGeneration(generation uint64) {
	c.genMu.Lock()
	if generation > c.generation {
		c.generation = generation
	}
	c.genMu.Unlock()
}

func (c *Connector) currentGeneration() uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.generation
}

// wireSymbol converts BASE-QUOTE to the venue's concatenated form.
func wireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// engineSymbol converts a venue symbol back using the configured symbol list.
func (c *Connector) engineSymbol(wire string) string {
	for _, symbol := range c.symbols {
		if wireSymbol(symbol) == strings.ToUpper(wire) {
			return symbol
		}
	}
	return wire
}
