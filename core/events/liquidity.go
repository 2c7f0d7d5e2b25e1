package events

import (
	"math/big"
	"strconv"

	"svtchain/core/types"
)

const (
	// TypeLiquidityAdded is emitted when the liquidity lock is funded.
	TypeLiquidityAdded = "liquidity.added"
	// TypeLiquidityExtended is emitted when the unlock height moves out.
	TypeLiquidityExtended = "liquidity.extended"
	// TypeLiquidityRemoved is emitted when the lock pays out.
	TypeLiquidityRemoved = "liquidity.removed"
)

type LiquidityAdded struct {
	Provider     [20]byte
	Amount       *big.Int
	UnlockHeight uint64
}

func (LiquidityAdded) EventType() string { return TypeLiquidityAdded }

func (e LiquidityAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityAdded,
		Attributes: map[string]string{
			"provider":     addressString(e.Provider),
			"amount":       formatAmount(e.Amount),
			"unlockHeight": strconv.FormatUint(e.UnlockHeight, 10),
		},
	}
}

type LiquidityExtended struct {
	Provider     [20]byte
	UnlockHeight uint64
}

func (LiquidityExtended) EventType() string { return TypeLiquidityExtended }

func (e LiquidityExtended) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityExtended,
		Attributes: map[string]string{
			"provider":     addressString(e.Provider),
			"unlockHeight": strconv.FormatUint(e.UnlockHeight, 10),
		},
	}
}

type LiquidityRemoved struct {
	Recipient [20]byte
	Amount    *big.Int
}

func (LiquidityRemoved) EventType() string { return TypeLiquidityRemoved }

func (e LiquidityRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidityRemoved,
		Attributes: map[string]string{
			"recipient": addressString(e.Recipient),
			"amount":    formatAmount(e.Amount),
		},
	}
}
