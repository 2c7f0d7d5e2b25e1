package events

import (
	"math/big"

	"svtchain/core/types"
)

const (
	// TypeValueEnhanced is emitted when SLV is deposited into the
	// redemption reserve.
	TypeValueEnhanced = "token.value_enhanced"
	// TypeValueRetrieved is emitted when SVT is burned against the reserve.
	TypeValueRetrieved = "token.value_retrieved"
)

type ValueEnhanced struct {
	Contributor [20]byte
	Amount      *big.Int
}

func (ValueEnhanced) EventType() string { return TypeValueEnhanced }

func (e ValueEnhanced) Event() *types.Event {
	return &types.Event{
		Type: TypeValueEnhanced,
		Attributes: map[string]string{
			"contributor": addressString(e.Contributor),
			"amount":      formatAmount(e.Amount),
		},
	}
}

type ValueRetrieved struct {
	Retriever [20]byte
	Amount    *big.Int
	Payout    *big.Int
}

func (ValueRetrieved) EventType() string { return TypeValueRetrieved }

func (e ValueRetrieved) Event() *types.Event {
	return &types.Event{
		Type: TypeValueRetrieved,
		Attributes: map[string]string{
			"retriever": addressString(e.Retriever),
			"amount":    formatAmount(e.Amount),
			"payout":    formatAmount(e.Payout),
		},
	}
}
