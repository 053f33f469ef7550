package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseAccountID(t *testing.T) {
	id, err := ParseAccountID("Binance_0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Venue != "binance" || id.Number != 0 {
		t.Errorf("unexpected account id %+v", id)
	}
	if id.String() != "binance_0" {
		t.Errorf("unexpected textual form %q", id.String())
	}
}

func TestParseAccountIDRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "binance", "_3", "binance_", "binance_x", "binance_-1"} {
		if _, err := ParseAccountID(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestStatusAdmits(t *testing.T) {
	cases := []struct {
		status OrderStatus
		kind   EventKind
		want   bool
	}{
		{StatusPendingSubmission, EventOrderAccepted, true},
		{StatusPendingSubmission, EventOrderFilled, false},
		{StatusOpened, EventOrderFilled, true},
		{StatusOpened, EventOrderCanceled, true},
		{StatusPartiallyFilled, EventOrderFilled, true},
		{StatusPartiallyFilled, EventOrderCanceled, true},
		{StatusPartiallyFilled, EventOrderRejected, false},
		{StatusFullyFilled, EventOrderCanceled, false},
		{StatusCanceled, EventOrderFilled, false},
		{StatusRejected, EventOrderAccepted, false},
	}
	for _, tc := range cases {
		if got := tc.status.Admits(tc.kind); got != tc.want {
			t.Errorf("%s.Admits(%s) = %v, want %v", tc.status, tc.kind, got, tc.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []OrderStatus{StatusFullyFilled, StatusCanceled, StatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPendingSubmission, StatusOpened, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEventValidate(t *testing.T) {
	account := AccountID{Venue: "paper", Number: 0}

	valid := ExchangeEvent{
		Kind:       EventOrderFilled,
		Account:    account,
		ClientID:   "c-1",
		FillAmount: decimal.NewFromInt(1),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	missingRef := ExchangeEvent{Kind: EventOrderAccepted, Account: account}
	if err := missingRef.Validate(); err == nil {
		t.Error("expected missing order reference to be rejected")
	}

	zeroFill := ExchangeEvent{Kind: EventOrderFilled, Account: account, ClientID: "c-1"}
	if err := zeroFill.Validate(); err == nil {
		t.Error("expected zero fill amount to be rejected")
	}

	badKind := ExchangeEvent{Kind: "Exploded", Account: account, ClientID: "c-1"}
	if err := badKind.Validate(); err == nil {
		t.Error("expected unknown kind to be rejected")
	}
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	evt := ExchangeEvent{
		Kind:     EventOrderFilled,
		Account:  AccountID{Venue: "paper", Number: 1},
		ClientID: "c-9",
		Seq:      42,
	}
	derived := evt.IdempotencyKey()
	if derived != "paper_1:c-9:OrderFilled:42" {
		t.Errorf("unexpected derived key %q", derived)
	}

	evt.Key = "explicit"
	if evt.IdempotencyKey() != "explicit" {
		t.Error("explicit key should win")
	}
}

func TestIdempotencyKeyDistinguishesUnsequencedFills(t *testing.T) {
	base := ExchangeEvent{
		Kind:       EventOrderFilled,
		Account:    AccountID{Venue: "binance", Number: 0},
		ClientID:   "order-1",
		FillAmount: decimal.RequireFromString("0.25"),
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	second := base
	second.FillAmount = decimal.RequireFromString("0.75")
	second.Timestamp = base.Timestamp.Add(150 * time.Millisecond)

	if base.IdempotencyKey() == second.IdempotencyKey() {
		t.Fatalf("distinct fills share key %q", base.IdempotencyKey())
	}

	redelivered := base
	if base.IdempotencyKey() != redelivered.IdempotencyKey() {
		t.Error("redelivered event should keep its key")
	}
}

func TestTradeSides(t *testing.T) {
	if SideBuy != "Buy" || SideSell != "Sell" {
		t.Errorf("unexpected side values %q/%q", SideBuy, SideSell)
	}
}

func TestValidateInstrument(t *testing.T) {
	if err := ValidateInstrument("BTC-USDT"); err != nil {
		t.Errorf("valid instrument rejected: %v", err)
	}
	for _, raw := range []string{"", "BTCUSDT", "btc-usdt", "BTC-", "-USDT", "BTC-USDT-PERP"} {
		if err := ValidateInstrument(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
