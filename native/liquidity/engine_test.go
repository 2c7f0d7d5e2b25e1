package liquidity

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"svtchain/core/events"
	"svtchain/core/state"
	"svtchain/core/types"
	"svtchain/native/token"
)

type mockState struct {
	accounts map[[20]byte]*types.Account
	record   *state.LiquidityLock
}

func newMockState() *mockState {
	return &mockState{accounts: make(map[[20]byte]*types.Account)}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func cloneTestAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceSLV: big.NewInt(0), BalanceSVT: big.NewInt(0)}
	}
	clone := &types.Account{
		Nonce:      acc.Nonce,
		BalanceSLV: big.NewInt(0),
		BalanceSVT: big.NewInt(0),
	}
	if acc.BalanceSLV != nil {
		clone.BalanceSLV = new(big.Int).Set(acc.BalanceSLV)
	}
	if acc.BalanceSVT != nil {
		clone.BalanceSVT = new(big.Int).Set(acc.BalanceSVT)
	}
	return clone
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	return cloneTestAccount(m.accounts[key]), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = cloneTestAccount(account)
	return nil
}

func (m *mockState) LiquidityLockRecord() (*state.LiquidityLock, bool, error) {
	if m.record == nil {
		return nil, false, nil
	}
	copied := *m.record
	copied.Amount = new(big.Int).Set(m.record.Amount)
	return &copied, true, nil
}

func (m *mockState) PutLiquidityLockRecord(record *state.LiquidityLock) error {
	copied := *record
	copied.Amount = new(big.Int).Set(record.Amount)
	m.record = &copied
	return nil
}

func (m *mockState) fundCurrency(addr [20]byte, value int64) {
	account := cloneTestAccount(m.accounts[addr])
	account.BalanceSLV = new(big.Int).Add(account.BalanceSLV, big.NewInt(value))
	m.accounts[addr] = account
}

func (m *mockState) balanceSLV(addr [20]byte) *big.Int {
	return cloneTestAccount(m.accounts[addr]).BalanceSLV
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func newTestEngine(state *mockState, height *uint64) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetHeightFunc(func() uint64 { return *height })
	engine.SetVault(newTestAddress(0xDD))
	return engine
}

func TestAddLocksDeposit(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	owner := newTestAddress(0x01)
	st.fundCurrency(owner, 500)

	if err := engine.Add(owner, big.NewInt(200), 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := st.balanceSLV(owner); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("owner currency = %s, want 300", got)
	}
	if got := st.balanceSLV(engine.Vault()); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("vault currency = %s, want 200", got)
	}
	status, record, err := engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusLocked {
		t.Fatalf("status = %s, want locked", status)
	}
	if record.Owner != owner || record.UnlockHeight != 10 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one event, got %d", len(emitter.events))
	}
	added, ok := emitter.events[0].(events.LiquidityAdded)
	if !ok {
		t.Fatalf("expected added event, got %T", emitter.events[0])
	}
	if added.Amount.Cmp(big.NewInt(200)) != 0 || added.UnlockHeight != 10 {
		t.Fatalf("event = %+v", added)
	}
}

func TestAddValidations(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)

	owner := newTestAddress(0x01)
	st.fundCurrency(owner, 100)

	if err := engine.Add(owner, big.NewInt(0), 10); !errors.Is(err, ErrNoValueSent) {
		t.Fatalf("expected no value sent, got %v", err)
	}
	if err := engine.Add(owner, big.NewInt(50), 5); !errors.Is(err, ErrBlockTooLow) {
		t.Fatalf("expected block too low at current height, got %v", err)
	}
	if err := engine.Add(owner, big.NewInt(50), 4); !errors.Is(err, ErrBlockTooLow) {
		t.Fatalf("expected block too low in the past, got %v", err)
	}
	if err := engine.Add(owner, big.NewInt(200), 10); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if err := engine.Add(owner, big.NewInt(50), 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := engine.Add(owner, big.NewInt(50), 20); !errors.Is(err, ErrAlreadyAdded) {
		t.Fatalf("expected already added, got %v", err)
	}
}

func TestExtendMovesUnlockLaterOnly(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)

	owner := newTestAddress(0x01)
	st.fundCurrency(owner, 100)

	if err := engine.Extend(owner, 20); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected not locked before add, got %v", err)
	}
	if err := engine.Add(owner, big.NewInt(100), 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := engine.Extend(newTestAddress(0x02), 20); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := engine.Extend(owner, 10); !errors.Is(err, ErrCannotShorten) {
		t.Fatalf("expected cannot shorten on equal height, got %v", err)
	}
	if err := engine.Extend(owner, 9); !errors.Is(err, ErrCannotShorten) {
		t.Fatalf("expected cannot shorten on earlier height, got %v", err)
	}
	if err := engine.Extend(owner, 15); err != nil {
		t.Fatalf("extend: %v", err)
	}
	_, record, err := engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if record.UnlockHeight != 15 {
		t.Fatalf("unlock height = %d, want 15", record.UnlockHeight)
	}
}

func TestExtendRelocksUnlockableLock(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)

	owner := newTestAddress(0x01)
	st.fundCurrency(owner, 100)
	if err := engine.Add(owner, big.NewInt(100), 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	height = 11
	status, _, err := engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusUnlockable {
		t.Fatalf("status = %s, want unlockable", status)
	}

	if err := engine.Extend(owner, 20); err != nil {
		t.Fatalf("extend: %v", err)
	}
	status, _, err = engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusLocked {
		t.Fatalf("status = %s, want locked again", status)
	}
}

func TestRemovePaysOutAfterUnlock(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	owner := newTestAddress(0x01)
	st.fundCurrency(owner, 500)
	if err := engine.Add(owner, big.NewInt(200), 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	height = 10
	if err := engine.Remove(owner); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked at unlock height, got %v", err)
	}

	height = 11
	if err := engine.Remove(newTestAddress(0x02)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := engine.Remove(owner); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := st.balanceSLV(owner); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("owner currency = %s, want 500 back", got)
	}
	if got := st.balanceSLV(engine.Vault()); got.Sign() != 0 {
		t.Fatalf("vault currency = %s, want 0", got)
	}

	// The record stays behind empty: a second remove pays nothing and a
	// fresh add keeps failing.
	if err := engine.Remove(owner); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if got := st.balanceSLV(owner); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("second remove changed balance: %s", got)
	}
	if err := engine.Add(owner, big.NewInt(50), 30); !errors.Is(err, ErrAlreadyAdded) {
		t.Fatalf("expected already added after removal, got %v", err)
	}

	removed := 0
	for _, evt := range emitter.events {
		if _, ok := evt.(events.LiquidityRemoved); ok {
			removed++
		}
	}
	if removed != 2 {
		t.Fatalf("expected two removal events, got %d", removed)
	}
}

func TestRemoveBeforeAddRejected(t *testing.T) {
	st := newMockState()
	height := uint64(5)
	engine := newTestEngine(st, &height)

	if err := engine.Remove(newTestAddress(0x01)); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected not locked, got %v", err)
	}
}
