package liquidity

import (
	"errors"
	"fmt"
	"math/big"

	"svtchain/core/events"
	"svtchain/core/state"
	"svtchain/core/types"
	"svtchain/native/token"
)

var (
	// ErrAlreadyAdded is returned when liquidity is added while a lock
	// record already exists. The lock is single shot; withdrawal does not
	// clear the record.
	ErrAlreadyAdded = errors.New("liquidity: lock already added")
	// ErrNoValueSent is returned when the add carries no deposit.
	ErrNoValueSent = errors.New("liquidity: no value sent")
	// ErrBlockTooLow is returned when the requested unlock height is not
	// strictly in the future.
	ErrBlockTooLow = errors.New("liquidity: unlock height not in the future")
	// ErrCannotShorten is returned when an extension does not move the
	// unlock height strictly later.
	ErrCannotShorten = errors.New("liquidity: unlock height may only move later")
	// ErrLocked is returned when a withdrawal is attempted at or before
	// the unlock height.
	ErrLocked = errors.New("liquidity: lock has not expired")
	// ErrNotLocked is returned when extend or remove is called before any
	// liquidity was ever added.
	ErrNotLocked = errors.New("liquidity: no active lock")
	// ErrUnauthorized is returned when anyone but the lock owner extends
	// or removes the lock.
	ErrUnauthorized = errors.New("liquidity: caller does not own the lock")
	// ErrReentry is returned when a lock operation is entered while
	// another lock operation is still in flight.
	ErrReentry = errors.New("liquidity: reentrant call rejected")

	errNilState        = errors.New("liquidity engine: state not configured")
	errNilHeightSource = errors.New("liquidity engine: height source not configured")
	errNoVault         = errors.New("liquidity engine: vault address not configured")
)

// Status describes the lock state machine derived from the stored record and
// the current height.
type Status string

const (
	StatusUnset      Status = "unset"
	StatusLocked     Status = "locked"
	StatusUnlockable Status = "unlockable"
)

type lockState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	LiquidityLockRecord() (*state.LiquidityLock, bool, error)
	PutLiquidityLockRecord(record *state.LiquidityLock) error
}

// reentryLatch mirrors the ledger's latch but is private to the lock: the
// lock is a sibling facility, not part of the token/swap mutation surface,
// so it carries its own guard.
type reentryLatch struct {
	engaged bool
}

func (l *reentryLatch) enter() error {
	if l.engaged {
		return ErrReentry
	}
	l.engaged = true
	return nil
}

func (l *reentryLatch) exit() { l.engaged = false }

// Engine manages the single time-locked currency deposit. The deposit sits
// in a dedicated vault account and pays back to the owner once the chain
// height strictly exceeds the unlock height. Adding is single shot; the
// record survives withdrawal with a zeroed amount, so a second add keeps
// failing while a second remove pays nothing.
type Engine struct {
	state    lockState
	emitter  events.Emitter
	latch    reentryLatch
	heightFn func() uint64
	vault    [20]byte
}

// NewEngine creates a liquidity lock engine with a no-op emitter. Callers
// wire state, the height source and the vault address via the setters.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state lockState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc configures the current-block source for lock expiry checks.
func (e *Engine) SetHeightFunc(height func() uint64) { e.heightFn = height }

// SetVault configures the module account holding the locked deposit.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// Vault returns the lock vault address.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.heightFn == nil {
		return errNilHeightSource
	}
	if e.vault == ([20]byte{}) {
		return errNoVault
	}
	return nil
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceSLV: big.NewInt(0), BalanceSVT: big.NewInt(0)}
	}
	if acc.BalanceSLV == nil {
		acc.BalanceSLV = big.NewInt(0)
	}
	if acc.BalanceSVT == nil {
		acc.BalanceSVT = big.NewInt(0)
	}
	return acc
}

// Status reports the current state-machine position and, when a lock exists,
// a copy of the record.
func (e *Engine) Status() (Status, *state.LiquidityLock, error) {
	if err := e.ready(); err != nil {
		return StatusUnset, nil, err
	}
	record, ok, err := e.state.LiquidityLockRecord()
	if err != nil {
		return StatusUnset, nil, err
	}
	if !ok {
		return StatusUnset, nil, nil
	}
	copied := *record
	copied.Amount = new(big.Int).Set(record.Amount)
	if e.heightFn() > record.UnlockHeight {
		return StatusUnlockable, &copied, nil
	}
	return StatusLocked, &copied, nil
}

// Add funds the lock exactly once. The deposit moves into the vault and the
// unlock height must lie strictly beyond the current block.
func (e *Engine) Add(caller [20]byte, deposit *big.Int, unlockHeight uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.latch.enter(); err != nil {
		return err
	}
	defer e.latch.exit()

	if caller == ([20]byte{}) {
		return token.ErrZeroAddress
	}
	if _, exists, err := e.state.LiquidityLockRecord(); err != nil {
		return err
	} else if exists {
		return ErrAlreadyAdded
	}
	amt := big.NewInt(0)
	if deposit != nil {
		amt = new(big.Int).Set(deposit)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("liquidity: negative deposit")
	}
	if amt.Sign() == 0 {
		return ErrNoValueSent
	}
	if unlockHeight <= e.heightFn() {
		return ErrBlockTooLow
	}

	if err := e.moveCurrency(caller, e.vault, amt); err != nil {
		return err
	}
	record := &state.LiquidityLock{Owner: caller, Amount: amt, UnlockHeight: unlockHeight}
	if err := e.state.PutLiquidityLockRecord(record); err != nil {
		if rbErr := e.moveCurrency(e.vault, caller, amt); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	e.emit(events.LiquidityAdded{Provider: caller, Amount: amt, UnlockHeight: unlockHeight})
	return nil
}

// Extend moves the unlock height strictly later. An unlockable lock moves
// back to locked. Only the owner may extend.
func (e *Engine) Extend(caller [20]byte, unlockHeight uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.latch.enter(); err != nil {
		return err
	}
	defer e.latch.exit()

	record, exists, err := e.state.LiquidityLockRecord()
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotLocked
	}
	if caller != record.Owner {
		return ErrUnauthorized
	}
	if unlockHeight <= record.UnlockHeight {
		return ErrCannotShorten
	}
	record.UnlockHeight = unlockHeight
	if err := e.state.PutLiquidityLockRecord(record); err != nil {
		return err
	}
	e.emit(events.LiquidityExtended{Provider: caller, UnlockHeight: unlockHeight})
	return nil
}

// Remove pays the locked balance back to the owner once the current height
// strictly exceeds the unlock height. The record stays behind with a zeroed
// amount, so removing twice pays nothing the second time.
func (e *Engine) Remove(caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.latch.enter(); err != nil {
		return err
	}
	defer e.latch.exit()

	record, exists, err := e.state.LiquidityLockRecord()
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotLocked
	}
	if caller != record.Owner {
		return ErrUnauthorized
	}
	if e.heightFn() <= record.UnlockHeight {
		return ErrLocked
	}
	payout := new(big.Int).Set(record.Amount)
	if payout.Sign() > 0 {
		record.Amount = big.NewInt(0)
		if err := e.state.PutLiquidityLockRecord(record); err != nil {
			return err
		}
		if err := e.moveCurrency(e.vault, caller, payout); err != nil {
			record.Amount = payout
			if rbErr := e.state.PutLiquidityLockRecord(record); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
	}
	e.emit(events.LiquidityRemoved{Recipient: caller, Amount: payout})
	return nil
}

func (e *Engine) moveCurrency(from, to [20]byte, amount *big.Int) error {
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	if fromAcc.BalanceSLV.Cmp(amount) < 0 {
		return token.ErrInsufficientBalance
	}
	prev := new(big.Int).Set(fromAcc.BalanceSLV)
	fromAcc.BalanceSLV = new(big.Int).Sub(fromAcc.BalanceSLV, amount)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err == nil {
		toAcc = ensureAccount(toAcc)
		toAcc.BalanceSLV = new(big.Int).Add(toAcc.BalanceSLV, amount)
		err = e.state.PutAccount(to[:], toAcc)
	}
	if err != nil {
		fromAcc.BalanceSLV = prev
		if rbErr := e.state.PutAccount(from[:], fromAcc); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}
