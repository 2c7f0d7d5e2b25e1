package state

import (
	"fmt"
	"math/big"
)

var liquidityRecordKey = []byte("liquidity/lock")

// LiquidityLock is the single lock record. A missing record means nothing has
// ever been locked; the record survives withdrawal with a zeroed amount.
type LiquidityLock struct {
	Owner        [20]byte
	Amount       *big.Int
	UnlockHeight uint64
}

// LiquidityLockRecord loads the lock record. The boolean reports whether a
// lock has ever been added.
func (m *Manager) LiquidityLockRecord() (*LiquidityLock, bool, error) {
	if m == nil {
		return nil, false, fmt.Errorf("state manager unavailable")
	}
	stored := new(LiquidityLock)
	ok, err := m.KVGet(liquidityRecordKey, stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if stored.Amount == nil {
		stored.Amount = big.NewInt(0)
	}
	return stored, true, nil
}

// PutLiquidityLockRecord persists the lock record.
func (m *Manager) PutLiquidityLockRecord(lock *LiquidityLock) error {
	if m == nil {
		return fmt.Errorf("state manager unavailable")
	}
	if lock == nil {
		return fmt.Errorf("nil liquidity lock record")
	}
	stored := *lock
	if stored.Amount == nil {
		stored.Amount = big.NewInt(0)
	} else {
		stored.Amount = new(big.Int).Set(stored.Amount)
	}
	if stored.Amount.Sign() < 0 {
		return fmt.Errorf("negative locked amount not allowed")
	}
	return m.KVPut(liquidityRecordKey, &stored)
}
