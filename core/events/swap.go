package events

import (
	"math/big"

	"svtchain/core/types"
)

const (
	// TypeSwap is emitted for both swap directions. Exactly one "in" leg
	// and the opposite "out" leg are nonzero.
	TypeSwap = "token.swap"
)

type Swap struct {
	Trader      [20]byte
	CurrencyIn  *big.Int
	UnitsIn     *big.Int
	CurrencyOut *big.Int
	UnitsOut    *big.Int
}

func (Swap) EventType() string { return TypeSwap }

func (e Swap) Event() *types.Event {
	return &types.Event{
		Type: TypeSwap,
		Attributes: map[string]string{
			"trader":      addressString(e.Trader),
			"currencyIn":  formatAmount(e.CurrencyIn),
			"unitsIn":     formatAmount(e.UnitsIn),
			"currencyOut": formatAmount(e.CurrencyOut),
			"unitsOut":    formatAmount(e.UnitsOut),
		},
	}
}
