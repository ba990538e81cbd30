package models

import (
	"strings"

	"github.com/Neocreb/eloity-trading/common/errors"
)

// Pair is a trading pair split into its base and quote assets.
type Pair struct {
	Base  string
	Quote string
}

// String returns the canonical "BASE/QUOTE" form.
func (p Pair) String() string { return p.Base + "/" + p.Quote }

// ParsePair parses "BASE/QUOTE" (e.g. "BTC/USDT") into its assets.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, errors.Wrap(errors.ErrInvalidInput, "malformed trading pair %q", s)
	}
	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}
