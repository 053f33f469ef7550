// Package schema defines the canonical domain types shared across the engine.
package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidemark-io/tidemark/errs"
)

// AccountID identifies one configured venue/account pair. The textual form is
// "<venue>_<ordinal>", e.g. "binance_0".
type AccountID struct {
	Venue  string
	Number int
}

// ParseAccountID parses the "<venue>_<ordinal>" textual form.
func ParseAccountID(s string) (AccountID, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return AccountID{}, errs.New("schema/account", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("account id %q must be <venue>_<ordinal>", s)))
	}
	number, err := strconv.Atoi(s[idx+1:])
	if err != nil || number < 0 {
		return AccountID{}, errs.New("schema/account", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("account id %q has a non-numeric ordinal", s)))
	}
	venue := strings.ToLower(s[:idx])
	return AccountID{Venue: venue, Number: number}, nil
}

func (a AccountID) String() string {
	return a.Venue + "_" + strconv.Itoa(a.Number)
}

// IsZero reports whether the account id is unset.
func (a AccountID) IsZero() bool {
	return a.Venue == "" && a.Number == 0
}

// MarshalText renders the canonical textual form.
func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the canonical textual form.
func (a *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ValidateInstrument verifies the canonical instrument representation (BASE-QUOTE).
func ValidateInstrument(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument requires base-quote"))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument contains empty leg"))
		}
		if strings.ToUpper(part) != part {
			return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase"))
		}
	}
	return nil
}
