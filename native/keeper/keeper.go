package keeper

import (
	"errors"
	"fmt"
	"math/big"

	"svtchain/core/types"
	"svtchain/native/token"
)

var (
	// ErrUnauthorized is returned when anyone but the bound controller
	// authorizes a reserve withdrawal.
	ErrUnauthorized = errors.New("keeper: caller is not the controller")
	// ErrInsufficientReserve is returned when a withdrawal exceeds the
	// reserve balance.
	ErrInsufficientReserve = errors.New("keeper: insufficient reserve")
	// ErrTransferFailed is returned when the reserve payout itself could
	// not be applied; the reserve accounting is restored before returning.
	ErrTransferFailed = errors.New("keeper: reserve transfer failed")

	errNilState = errors.New("keeper engine: state not configured")
	errNoVault  = errors.New("keeper engine: vault address not configured")
)

type custodianState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	KeeperController() ([20]byte, bool, error)
}

// Engine custodies the backing-currency reserve. Deposits are unconditional;
// withdrawals require the single controller capability bound at genesis. The
// engine emits no events of its own: the ledger layer emits the domain-level
// enhancement and retrieval events.
type Engine struct {
	state custodianState
	vault [20]byte
}

// NewEngine creates a keeper engine. Callers wire state and the vault address
// via the setters.
func NewEngine() *Engine {
	return &Engine{}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state custodianState) { e.state = state }

// SetVault configures the module account that physically holds the reserve.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// Vault returns the reserve account address.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == ([20]byte{}) {
		return errNoVault
	}
	return nil
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

// Reserve returns the current reserve balance.
func (e *Engine) Reserve() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	account, err := e.state.GetAccount(e.vault[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(ensureAccount(account).BalanceSLV), nil
}

// Deposit moves backing currency from the payer into the reserve. Anyone may
// deposit; a zero amount is accepted and does nothing.
func (e *Engine) Deposit(from [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if from == ([20]byte{}) {
		return token.ErrZeroAddress
	}
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("keeper: negative deposit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	payer, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	payer = ensureAccount(payer)
	if payer.BalanceSLV.Cmp(amt) < 0 {
		return token.ErrInsufficientBalance
	}
	prev := new(big.Int).Set(payer.BalanceSLV)
	payer.BalanceSLV = new(big.Int).Sub(payer.BalanceSLV, amt)
	if err := e.state.PutAccount(from[:], payer); err != nil {
		return err
	}
	vault, err := e.state.GetAccount(e.vault[:])
	if err == nil {
		vault = ensureAccount(vault)
		vault.BalanceSLV = new(big.Int).Add(vault.BalanceSLV, amt)
		err = e.state.PutAccount(e.vault[:], vault)
	}
	if err != nil {
		payer.BalanceSLV = prev
		if rbErr := e.state.PutAccount(from[:], payer); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// Withdraw pays reserve funds to the recipient. Only the controller bound at
// genesis may authorize it, and the decrement is undone if the credit to the
// recipient cannot be applied.
func (e *Engine) Withdraw(authority, to [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	controller, bound, err := e.state.KeeperController()
	if err != nil {
		return err
	}
	if !bound || authority != controller {
		return ErrUnauthorized
	}
	if to == ([20]byte{}) {
		return token.ErrZeroAddress
	}
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("keeper: negative withdrawal amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	vault, err := e.state.GetAccount(e.vault[:])
	if err != nil {
		return err
	}
	vault = ensureAccount(vault)
	if vault.BalanceSLV.Cmp(amt) < 0 {
		return ErrInsufficientReserve
	}
	prev := new(big.Int).Set(vault.BalanceSLV)
	vault.BalanceSLV = new(big.Int).Sub(vault.BalanceSLV, amt)
	if err := e.state.PutAccount(e.vault[:], vault); err != nil {
		return err
	}
	recipient, err := e.state.GetAccount(to[:])
	if err == nil {
		recipient = ensureAccount(recipient)
		recipient.BalanceSLV = new(big.Int).Add(recipient.BalanceSLV, amt)
		err = e.state.PutAccount(to[:], recipient)
	}
	if err != nil {
		vault.BalanceSLV = prev
		if rbErr := e.state.PutAccount(e.vault[:], vault); rbErr != nil {
			return errors.Join(ErrTransferFailed, err, rbErr)
		}
		return errors.Join(ErrTransferFailed, err)
	}
	return nil
}
