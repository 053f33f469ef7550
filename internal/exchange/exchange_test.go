package exchange

import (
	"context"
	"testing"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/schema"
)

type stubConnector struct {
	account   schema.AccountID
	submitErr []error
	cancelErr []error
	submits   int
	cancels   int
}

func (s *stubConnector) Account() schema.AccountID { return s.account }

func (s *stubConnector) SubmitOrder(context.Context, schema.OrderIntent) error {
	s.submits++
	if len(s.submitErr) == 0 {
		return nil
	}
	err := s.submitErr[0]
	s.submitErr = s.submitErr[1:]
	return err
}

func (s *stubConnector) CancelOrder(context.Context, schema.CancelIntent) error {
	s.cancels++
	if len(s.cancelErr) == 0 {
		return nil
	}
	err := s.cancelErr[0]
	s.cancelErr = s.cancelErr[1:]
	return err
}

func (s *stubConnector) Events() <-chan schema.ExchangeEvent  { return nil }
func (s *stubConnector) MarketData() <-chan schema.MarketTick { return nil }
func (s *stubConnector) Close(context.Context) error          { return nil }

func TestRegistryOpenAndUnknownVenue(t *testing.T) {
	reg := NewRegistry()
	stub := &stubConnector{account: schema.AccountID{Venue: "paper"}}
	reg.Register("Paper", func(context.Context, config.AccountConfig) (Connector, error) {
		return stub, nil
	})

	cfg := config.AccountConfig{Account: schema.AccountID{Venue: "paper"}}
	conn, err := reg.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if conn != Connector(stub) {
		t.Error("registry returned a different connector")
	}

	cfg.Account.Venue = "binance"
	if _, err := reg.Open(context.Background(), cfg); !errs.HasCode(err, errs.CodeConfig) {
		t.Errorf("expected CodeConfig for unknown venue, got %v", err)
	}

	if got := reg.Venues(); len(got) != 1 || got[0] != "paper" {
		t.Errorf("venues = %v, want [paper]", got)
	}
}

func TestRegistryDoubleRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double registration")
		}
	}()
	reg := NewRegistry()
	factory := func(context.Context, config.AccountConfig) (Connector, error) { return nil, nil }
	reg.Register("paper", factory)
	reg.Register("paper", factory)
}

func TestRetryRecoversFromTransportFaults(t *testing.T) {
	fault := errs.New("paper", errs.CodeNetwork, errs.WithMessage("connection reset"))
	stub := &stubConnector{
		account:   schema.AccountID{Venue: "paper"},
		submitErr: []error{fault, fault},
	}
	conn := WithRetry(stub)

	err := conn.SubmitOrder(context.Background(), schema.OrderIntent{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if stub.submits != 3 {
		t.Errorf("submits = %d, want 3", stub.submits)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	fault := errs.New("paper", errs.CodeNetwork, errs.WithMessage("connection reset"))
	stub := &stubConnector{
		account:   schema.AccountID{Venue: "paper"},
		submitErr: []error{fault, fault, fault, fault, fault},
	}
	conn := WithRetry(stub)

	err := conn.SubmitOrder(context.Background(), schema.OrderIntent{ClientID: "c-1"})
	if !errs.HasCode(err, errs.CodeNetwork) {
		t.Fatalf("expected CodeNetwork after exhaustion, got %v", err)
	}
	if stub.submits != retryMaxAttempts {
		t.Errorf("submits = %d, want %d", stub.submits, retryMaxAttempts)
	}
}

func TestRetryPassesThroughVenueRejection(t *testing.T) {
	rejection := errs.New("paper", errs.CodeExchange, errs.WithMessage("insufficient balance"))
	stub := &stubConnector{
		account:   schema.AccountID{Venue: "paper"},
		cancelErr: []error{rejection},
	}
	conn := WithRetry(stub)

	err := conn.CancelOrder(context.Background(), schema.CancelIntent{ClientID: "c-1"})
	if !errs.HasCode(err, errs.CodeExchange) {
		t.Fatalf("expected CodeExchange, got %v", err)
	}
	if stub.cancels != 1 {
		t.Errorf("cancels = %d, want 1 (no retry on rejection)", stub.cancels)
	}
}
