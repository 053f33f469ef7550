package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	err := New("binance", CodeInvalidState,
		WithMessage("cancel after fill"),
		WithRawCode("-2011"),
	)

	rendered := err.Error()
	if !strings.Contains(rendered, "venue=binance") {
		t.Errorf("expected venue in %q", rendered)
	}
	if !strings.Contains(rendered, "code=invalid_state") {
		t.Errorf("expected code in %q", rendered)
	}
	if !strings.Contains(rendered, `raw_code="-2011"`) {
		t.Errorf("expected raw code in %q", rendered)
	}
}

func TestNilError(t *testing.T) {
	var err *E
	if err.Error() != "<nil>" {
		t.Errorf("nil error should render <nil>, got %q", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("paper", CodeNetwork, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestHasCode(t *testing.T) {
	inner := New("paper", CodeInvalidState)
	wrapped := fmt.Errorf("apply event: %w", inner)

	if !HasCode(wrapped, CodeInvalidState) {
		t.Error("expected HasCode to find invalid_state through wrapping")
	}
	if HasCode(wrapped, CodeNetwork) {
		t.Error("did not expect network code")
	}
	if HasCode(errors.New("plain"), CodeInvalidState) {
		t.Error("plain errors carry no code")
	}
}

func TestHasCodeNested(t *testing.T) {
	root := New("binance", CodeNetwork)
	mid := New("binance", CodeExchange, WithCause(root))

	if !HasCode(mid, CodeNetwork) {
		t.Error("expected nested code lookup to reach the root envelope")
	}
}
