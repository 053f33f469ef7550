package config

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/errs"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

const sampleDoc = `
engine:
  listenAddr: "127.0.0.1:9100"
strategy:
  symbol: BTC-USDT
  spread: "0.5"
  maxAmount: "2"
accounts:
  - id: paper_0
    symbols: [BTC-USDT]
    channels: [ticker]
`

func TestParseSampleDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("listen addr = %q", cfg.Engine.ListenAddr)
	}
	if cfg.Engine.Reorder.LatenessTolerance != DefaultLateness {
		t.Errorf("lateness default not applied: %v", cfg.Engine.Reorder.LatenessTolerance)
	}
	if cfg.Engine.DrainTimeout != DefaultDrainTimeout {
		t.Errorf("drain timeout default not applied: %v", cfg.Engine.DrainTimeout)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("expected one account, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Account.Venue != "paper" {
		t.Errorf("account venue = %q", cfg.Accounts[0].Account.Venue)
	}
	if !cfg.Strategy.SpreadAmount.Equal(mustDecimal(t, "0.5")) {
		t.Errorf("spread = %s", cfg.Strategy.SpreadAmount)
	}
	if !cfg.Strategy.MaxOrderAmount.Equal(mustDecimal(t, "2")) {
		t.Errorf("max amount = %s", cfg.Strategy.MaxOrderAmount)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := strings.Replace(sampleDoc, "listenAddr", "listneAddr", 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseRejectsMissingAccounts(t *testing.T) {
	doc := `
strategy:
  symbol: BTC-USDT
  spread: "0.5"
  maxAmount: "2"
accounts: []
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !errs.HasCode(err, errs.CodeConfig) {
		t.Errorf("expected config code, got %v", err)
	}
}

func TestParseRejectsDuplicateAccounts(t *testing.T) {
	doc := `
strategy:
  symbol: BTC-USDT
  spread: "0.5"
  maxAmount: "2"
accounts:
  - id: paper_0
  - id: paper_0
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected duplicate account rejection")
	}
}

func TestParseRejectsBadStrategy(t *testing.T) {
	for _, tc := range []struct{ name, spread, maxAmount string }{
		{"negative spread", "-0.5", "2"},
		{"garbage spread", "abc", "2"},
		{"zero max amount", "0.5", "0"},
	} {
		doc := fmt.Sprintf(`
strategy:
  symbol: BTC-USDT
  spread: %q
  maxAmount: %q
accounts:
  - id: paper_0
`, tc.spread, tc.maxAmount)
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := cfg.Document()
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Engine.ListenAddr != cfg.Engine.ListenAddr {
		t.Error("listen addr lost in round trip")
	}
	if again.Engine.DrainTimeout != cfg.Engine.DrainTimeout {
		t.Error("drain timeout lost in round trip")
	}
	if len(again.Accounts) != len(cfg.Accounts) {
		t.Error("accounts lost in round trip")
	}
}

func TestAccountLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ids := cfg.AccountIDs()
	if len(ids) != 1 || ids[0].String() != "paper_0" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, ok := cfg.AccountFor(ids[0]); !ok {
		t.Error("expected account lookup to succeed")
	}
	if cfg.Accounts[0].HTTPTimeout != 10*time.Second {
		t.Errorf("http timeout default not applied: %v", cfg.Accounts[0].HTTPTimeout)
	}
}
