package events

import (
	"math/big"

	"svtchain/core/types"
)

const (
	// TypeTransfer is emitted for every SVT balance movement, including
	// burns, which carry an empty "to" attribute.
	TypeTransfer = "token.transfer"
	// TypeApproval is emitted when an owner sets a spender allowance.
	TypeApproval = "token.approval"
)

type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return &types.Event{
		Type: TypeTransfer,
		Attributes: map[string]string{
			"from":   addressString(e.From),
			"to":     addressString(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

type Approval struct {
	Owner   [20]byte
	Spender [20]byte
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{
		Type: TypeApproval,
		Attributes: map[string]string{
			"owner":   addressString(e.Owner),
			"spender": addressString(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}
