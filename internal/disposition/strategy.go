package disposition

import (
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/internal/schema"
)

// Quote is one order the strategy wants working on the book.
type Quote struct {
	Side   schema.TradeSide
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Strategy turns a market tick into the set of quotes that should be live.
// Implementations must be safe for use from a single executor goroutine.
type Strategy interface {
	Name() string
	Quotes(tick schema.MarketTick) []Quote
}

// SpreadStrategy quotes both sides of the book around the mid price at a
// fixed relative spread.
type SpreadStrategy struct {
	Symbol string
	// Spread is the full relative width between the two quotes, e.g. 0.002
	// quotes 0.1% away from mid on each side.
	Spread decimal.Decimal
	// MaxAmount caps the size of each quote.
	MaxAmount decimal.Decimal
}

func (s *SpreadStrategy) Name() string { return "spread" }

func (s *SpreadStrategy) Quotes(tick schema.MarketTick) []Quote {
	if tick.Symbol != s.Symbol || s.MaxAmount.Sign() <= 0 {
		return nil
	}
	if tick.Bid.Sign() <= 0 || tick.Ask.Sign() <= 0 {
		return nil
	}

	two := decimal.NewFromInt(2)
	mid := tick.Bid.Add(tick.Ask).Div(two)
	half := mid.Mul(s.Spread).Div(two)

	return []Quote{
		{Side: schema.SideBuy, Price: mid.Sub(half).RoundDown(8), Amount: s.MaxAmount},
		{Side: schema.SideSell, Price: mid.Add(half).RoundUp(8), Amount: s.MaxAmount},
	}
}
