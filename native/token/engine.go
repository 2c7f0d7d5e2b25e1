package token

import (
	"errors"
	"fmt"
	"math/big"

	"svtchain/core/events"
	"svtchain/core/types"
)

var (
	errNilState        = errors.New("token engine: state not configured")
	errNilHeightSource = errors.New("token engine: height source not configured")
	errNilCustodian    = errors.New("token engine: custodian not configured")
)

// MaxAllowance is the infinite-approval sentinel: the largest value the
// balance encoding can represent. Spends against it never decrement the
// stored allowance.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type ledgerState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	TokenSupply() (*big.Int, error)
	AdjustTokenSupply(delta *big.Int) (*big.Int, error)
	Allowance(owner, spender [20]byte) (*big.Int, error)
	SetAllowance(owner, spender [20]byte, amount *big.Int) error
	LastMutationHeight(addr [20]byte) (uint64, bool, error)
	SetLastMutationHeight(addr [20]byte, height uint64) error
}

// Custodian is the reserve-keeper surface the engine drives during value
// enhancement and retrieval. The authority passed to Withdraw is the engine's
// module address, which genesis binds as the keeper's controller.
type Custodian interface {
	Deposit(from [20]byte, amount *big.Int) error
	Withdraw(authority, to [20]byte, amount *big.Int) error
	Reserve() (*big.Int, error)
}

// Engine owns every mutation of token balances, allowances and supply. All
// balance movement funnels through a single move primitive that enforces the
// per-caller same-block guard; the public operations additionally share one
// reentry latch with the swap engine.
type Engine struct {
	state      ledgerState
	emitter    events.Emitter
	custodian  Custodian
	latch      *ReentryLatch
	heightFn   func() uint64
	moduleAddr [20]byte
	sellRoute  func(caller [20]byte, amount *big.Int) error
}

// NewEngine creates a token engine with a no-op emitter and a fresh reentry
// latch. Callers wire state, height source and collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		latch:   &ReentryLatch{},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state ledgerState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetCustodian wires the reserve keeper driven by EnhanceValue and
// RetrieveValue.
func (e *Engine) SetCustodian(custodian Custodian) { e.custodian = custodian }

// SetHeightFunc configures the current-block source consulted by the
// same-block guard. Tests inject fixed heights; the state processor pins the
// height of the block being applied.
func (e *Engine) SetHeightFunc(height func() uint64) { e.heightFn = height }

// SetModuleAddress configures the ledger's own account: the address holding
// the swap reserves, acting as the keeper controller, and triggering the sell
// route when named as a transfer recipient.
func (e *Engine) SetModuleAddress(addr [20]byte) { e.moduleAddr = addr }

// ModuleAddress returns the ledger's own account address.
func (e *Engine) ModuleAddress() [20]byte { return e.moduleAddr }

// SetSellRoute installs the swap-engine sell entry invoked when a transfer
// names the module address as recipient.
func (e *Engine) SetSellRoute(route func(caller [20]byte, amount *big.Int) error) {
	e.sellRoute = route
}

// Latch exposes the engine's reentry latch so sibling engines can join the
// same guarded region.
func (e *Engine) Latch() *ReentryLatch { return e.latch }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) currentHeight() (uint64, error) {
	if e == nil || e.heightFn == nil {
		return 0, errNilHeightSource
	}
	return e.heightFn(), nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
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

// BalanceOf returns the token balance recorded for the address.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(account).BalanceSVT), nil
}

// Allowance returns the approved amount for the (owner, spender) pair.
func (e *Engine) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.Allowance(owner, spender)
}

// TotalSupply returns the recorded total token supply.
func (e *Engine) TotalSupply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.TokenSupply()
}

// SolidValue returns the custodian's reserve balance, the numerator of the
// per-unit backing value.
func (e *Engine) SolidValue() (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	if e.custodian == nil {
		return nil, errNilCustodian
	}
	return e.custodian.Reserve()
}

// Transfer moves tokens from the caller to the recipient. Naming the module
// address as recipient routes the call to the swap engine's sell path.
func (e *Engine) Transfer(caller, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if to == e.moduleAddr && e.moduleAddr != ([20]byte{}) && e.sellRoute != nil {
		return e.sellRoute(caller, cloneBigInt(amount))
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	return e.Move(caller, caller, to, amount)
}

// Approve sets the spender allowance to exactly the supplied amount.
func (e *Engine) Approve(owner, spender [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("token: negative allowance")
	}
	if err := e.state.SetAllowance(owner, spender, amt); err != nil {
		return err
	}
	e.emit(events.Approval{Owner: owner, Spender: spender, Amount: amt})
	return nil
}

// TransferFrom spends the caller's allowance on the owner's balance. An
// allowance equal to MaxAllowance is treated as infinite and never
// decremented. The same-block guard applies to the caller, not the owner.
func (e *Engine) TransferFrom(caller, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("token: negative transfer amount")
	}
	allowance, err := e.state.Allowance(from, caller)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	consumed := allowance.Cmp(MaxAllowance) < 0
	if consumed {
		if err := e.state.SetAllowance(from, caller, new(big.Int).Sub(allowance, amt)); err != nil {
			return err
		}
	}
	if err := e.Move(caller, from, to, amt); err != nil {
		if consumed {
			if restoreErr := e.state.SetAllowance(from, caller, allowance); restoreErr != nil {
				return errors.Join(err, restoreErr)
			}
		}
		return err
	}
	return nil
}

// Move is the single choke point for balance mutation. A zero "to" address
// burns the amount, shrinking the total supply in the same step. The debit is
// applied before any credit, and the same-block guard is enforced against the
// caller rather than the debited account. Mutating entry points hold the
// ledger latch around this primitive; sibling engines calling in directly are
// expected to do the same.
func (e *Engine) Move(caller, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("token: negative move amount")
	}
	if from == ([20]byte{}) {
		return ErrZeroAddress
	}
	height, err := e.currentHeight()
	if err != nil {
		return err
	}
	if last, seen, err := e.state.LastMutationHeight(caller); err != nil {
		return err
	} else if seen && last == height {
		return ErrSameBlockReplay
	}

	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	if fromAcc.BalanceSVT.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	var rollback []func() error
	fail := func(err error) error {
		for i := len(rollback) - 1; i >= 0; i-- {
			if rbErr := rollback[i](); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		return err
	}

	switch {
	case to == ([20]byte{}):
		// Burn: debit the holder and shrink the supply together.
		prevBalance := cloneBigInt(fromAcc.BalanceSVT)
		fromAcc.BalanceSVT = new(big.Int).Sub(fromAcc.BalanceSVT, amt)
		if err := e.state.PutAccount(from[:], fromAcc); err != nil {
			return err
		}
		rollback = append(rollback, func() error {
			fromAcc.BalanceSVT = prevBalance
			return e.state.PutAccount(from[:], fromAcc)
		})
		if _, err := e.state.AdjustTokenSupply(new(big.Int).Neg(amt)); err != nil {
			return fail(err)
		}
		rollback = append(rollback, func() error {
			_, rbErr := e.state.AdjustTokenSupply(amt)
			return rbErr
		})
	case from == to:
		// Self transfer: nothing moves, but the guard and event still apply.
	default:
		prevBalance := cloneBigInt(fromAcc.BalanceSVT)
		fromAcc.BalanceSVT = new(big.Int).Sub(fromAcc.BalanceSVT, amt)
		if err := e.state.PutAccount(from[:], fromAcc); err != nil {
			return err
		}
		rollback = append(rollback, func() error {
			fromAcc.BalanceSVT = prevBalance
			return e.state.PutAccount(from[:], fromAcc)
		})
		toAcc, err := e.state.GetAccount(to[:])
		if err != nil {
			return fail(err)
		}
		toAcc = ensureAccount(toAcc)
		toAcc.BalanceSVT = new(big.Int).Add(toAcc.BalanceSVT, amt)
		if err := e.state.PutAccount(to[:], toAcc); err != nil {
			return fail(err)
		}
	}

	if err := e.state.SetLastMutationHeight(caller, height); err != nil {
		return fail(err)
	}
	e.emit(events.Transfer{From: from, To: to, Amount: amt})
	return nil
}

// Mint credits freshly created tokens to the account and grows the supply.
// Genesis is the only caller; there is no runtime mint path.
func (e *Engine) Mint(account [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if account == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("token: negative mint amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	acc, err := e.state.GetAccount(account[:])
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.BalanceSVT = new(big.Int).Add(acc.BalanceSVT, amt)
	if err := e.state.PutAccount(account[:], acc); err != nil {
		return err
	}
	if _, err := e.state.AdjustTokenSupply(amt); err != nil {
		return err
	}
	e.emit(events.Transfer{To: account, Amount: amt})
	return nil
}

// EnhanceValue forwards the entire deposit into the custodian's reserve,
// raising the per-unit backing for every holder.
func (e *Engine) EnhanceValue(caller [20]byte, value *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custodian == nil {
		return errNilCustodian
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	amt := cloneBigInt(value)
	if amt.Sign() <= 0 {
		return ErrZeroValueNotAllowed
	}
	if err := e.custodian.Deposit(caller, amt); err != nil {
		return err
	}
	e.emit(events.ValueEnhanced{Contributor: caller, Amount: amt})
	return nil
}

// RetrieveValue burns the caller's tokens and withdraws their share of the
// reserve. The payout is computed against the pre-burn supply: reserve *
// amount / supply.
func (e *Engine) RetrieveValue(caller [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custodian == nil {
		return errNilCustodian
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrZeroValueNotAllowed
	}
	balance, err := e.BalanceOf(caller)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := e.state.TokenSupply()
	if err != nil {
		return err
	}
	if supply.Sign() == 0 {
		return ErrUndefinedValue
	}
	reserve, err := e.custodian.Reserve()
	if err != nil {
		return err
	}
	payout := new(big.Int).Div(new(big.Int).Mul(reserve, amt), supply)

	if err := e.Move(caller, caller, [20]byte{}, amt); err != nil {
		return err
	}
	if payout.Sign() > 0 {
		if err := e.custodian.Withdraw(e.moduleAddr, caller, payout); err != nil {
			return err
		}
	}
	e.emit(events.ValueRetrieved{Retriever: caller, Amount: amt, Payout: payout})
	return nil
}
