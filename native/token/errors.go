package token

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the recorded
	// balance of the account being debited.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance is returned when a spender tries to move
	// more than the owner approved.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrZeroAddress is returned when an operation targets the null
	// identity where not permitted.
	ErrZeroAddress = errors.New("token: zero address")
	// ErrZeroValueNotAllowed is returned when a value-bearing call supplies
	// a zero amount where a positive amount is required.
	ErrZeroValueNotAllowed = errors.New("token: zero value not allowed")
	// ErrSameBlockReplay is returned when a caller issues a second mutating
	// call within one block.
	ErrSameBlockReplay = errors.New("token: caller already mutated balances in this block")
	// ErrUndefinedValue is returned when the per-unit solid value is
	// requested while the total supply is zero.
	ErrUndefinedValue = errors.New("token: per-unit value undefined at zero supply")
	// ErrReentry is returned when a mutating operation is entered while
	// another mutating operation of the ledger is still in flight.
	ErrReentry = errors.New("token: reentrant call rejected")
)
