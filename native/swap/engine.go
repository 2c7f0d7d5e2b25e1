package swap

import (
	"errors"
	"fmt"
	"math/big"

	"svtchain/core/events"
	"svtchain/core/types"
	"svtchain/native/token"
)

var (
	// ErrSellTooLow indicates the computed currency payout for a sell
	// rounds down to zero.
	ErrSellTooLow = errors.New("swap: sell amount prices below one currency unit")
	// ErrInsufficientReserve indicates the pool cannot cover the computed
	// output of a swap.
	ErrInsufficientReserve = errors.New("swap: insufficient pool reserve")

	errNilState  = errors.New("swap engine: state not configured")
	errNilLedger = errors.New("swap engine: unit ledger not configured")
	errNoPool    = errors.New("swap engine: pool address not configured")
)

type swapState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// UnitMover is the ledger choke point the engine uses for the unit legs of a
// swap. The token engine satisfies it; the currency legs settle directly on
// account balances.
type UnitMover interface {
	Move(caller, from, to [20]byte, amount *big.Int) error
}

// Engine prices swaps against the pool account's live balances with the
// constant-product approximation and settles them atomically: the unit leg
// through the ledger's move primitive, the currency leg on account state.
// Reserves are read fresh on every call, never cached.
type Engine struct {
	state   swapState
	ledger  UnitMover
	emitter events.Emitter
	latch   *token.ReentryLatch
	pool    [20]byte
}

// NewEngine creates a swap engine with a no-op emitter. Callers wire state,
// the unit ledger, the shared latch and the pool address via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		latch:   &token.ReentryLatch{},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state swapState) { e.state = state }

// SetLedger wires the unit-move primitive used for the token legs.
func (e *Engine) SetLedger(ledger UnitMover) { e.ledger = ledger }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLatch joins the engine to an existing reentry latch so token and swap
// mutations form a single guarded region.
func (e *Engine) SetLatch(latch *token.ReentryLatch) {
	if latch == nil {
		latch = &token.ReentryLatch{}
	}
	e.latch = latch
}

// SetPool configures the module account whose balances are the swap reserves.
func (e *Engine) SetPool(addr [20]byte) { e.pool = addr }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.pool == ([20]byte{}) {
		return errNoPool
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

// Reserves returns the pool's currency and unit balances, in that order.
func (e *Engine) Reserves() (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	account, err := e.state.GetAccount(e.pool[:])
	if err != nil {
		return nil, nil, err
	}
	account = ensureAccount(account)
	return new(big.Int).Set(account.BalanceSLV), new(big.Int).Set(account.BalanceSVT), nil
}

func quote(value, reserveCurrency, reserveUnits *big.Int, isBuy bool) *big.Int {
	if value.Sign() == 0 {
		return big.NewInt(0)
	}
	if isBuy {
		// out = value * units / (currency + value)
		return new(big.Int).Div(
			new(big.Int).Mul(value, reserveUnits),
			new(big.Int).Add(reserveCurrency, value),
		)
	}
	// out = value * currency / (units + value)
	return new(big.Int).Div(
		new(big.Int).Mul(value, reserveCurrency),
		new(big.Int).Add(reserveUnits, value),
	)
}

// Quote prices a prospective swap against the current reserves without
// mutating anything. isBuy quotes units out for currency in; otherwise
// currency out for units in. Division truncates.
func (e *Engine) Quote(value *big.Int, isBuy bool) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("swap: negative quote value")
	}
	reserveCurrency, reserveUnits, err := e.Reserves()
	if err != nil {
		return nil, err
	}
	return quote(value, reserveCurrency, reserveUnits, isBuy), nil
}

// Buy spends the caller's currency against the pool and delivers units priced
// with the pre-deposit currency reserve. The unit leg passes through the
// ledger move primitive, so the same-block guard applies to the buyer.
func (e *Engine) Buy(caller [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()

	amt := big.NewInt(0)
	if value != nil {
		amt = new(big.Int).Set(value)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("swap: negative buy value")
	}
	if amt.Sign() == 0 {
		return token.ErrZeroValueNotAllowed
	}

	buyer, err := e.state.GetAccount(caller[:])
	if err != nil {
		return err
	}
	buyer = ensureAccount(buyer)
	if buyer.BalanceSLV.Cmp(amt) < 0 {
		return token.ErrInsufficientBalance
	}

	// Price against the reserves as they stand before the deposit lands.
	reserveCurrency, reserveUnits, err := e.Reserves()
	if err != nil {
		return err
	}
	unitsOut := quote(amt, reserveCurrency, reserveUnits, true)
	if unitsOut.Sign() == 0 {
		return ErrInsufficientReserve
	}

	// The guarded unit leg goes first so a same-block replay aborts before
	// any currency moves.
	if err := e.ledger.Move(caller, e.pool, caller, unitsOut); err != nil {
		return err
	}
	if err := e.moveCurrency(caller, e.pool, amt); err != nil {
		return err
	}

	e.emit(events.Swap{
		Trader:     caller,
		CurrencyIn: amt,
		UnitsOut:   unitsOut,
	})
	return nil
}

// Sell surrenders the caller's units to the pool and pays out currency. The
// units are accounted before the payout so a failed payout can never release
// currency for units the pool did not receive.
func (e *Engine) Sell(caller [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	return e.sell(caller, amount)
}

// SellRouted is the entry used by the ledger's transfer routing. The routed
// transfer is already a fresh external call, so it takes the latch exactly
// like a direct sell.
func (e *Engine) SellRouted(caller [20]byte, amount *big.Int) error {
	return e.Sell(caller, amount)
}

func (e *Engine) sell(caller [20]byte, amount *big.Int) error {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("swap: negative sell amount")
	}

	reserveCurrency, reserveUnits, err := e.Reserves()
	if err != nil {
		return err
	}
	currencyOut := quote(amt, reserveCurrency, reserveUnits, false)
	if currencyOut.Sign() == 0 {
		return ErrSellTooLow
	}
	if reserveCurrency.Cmp(currencyOut) < 0 {
		return ErrInsufficientReserve
	}

	if err := e.ledger.Move(caller, caller, e.pool, amt); err != nil {
		return err
	}
	if err := e.moveCurrency(e.pool, caller, currencyOut); err != nil {
		return err
	}

	e.emit(events.Swap{
		Trader:      caller,
		UnitsIn:     amt,
		CurrencyOut: currencyOut,
	})
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
