package swap

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"svtchain/core/events"
	"svtchain/core/types"
	"svtchain/native/token"
)

type allowancePair struct {
	owner   [20]byte
	spender [20]byte
}

type mockState struct {
	accounts   map[[20]byte]*types.Account
	supply     *big.Int
	allowances map[allowancePair]*big.Int
	guard      map[[20]byte]uint64
}

func newMockState() *mockState {
	return &mockState{
		accounts:   make(map[[20]byte]*types.Account),
		supply:     big.NewInt(0),
		allowances: make(map[allowancePair]*big.Int),
		guard:      make(map[[20]byte]uint64),
	}
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

func (m *mockState) TokenSupply() (*big.Int, error) {
	return new(big.Int).Set(m.supply), nil
}

func (m *mockState) AdjustTokenSupply(delta *big.Int) (*big.Int, error) {
	next := new(big.Int).Add(m.supply, delta)
	if next.Sign() < 0 {
		return nil, errors.New("supply underflow")
	}
	m.supply = next
	return new(big.Int).Set(next), nil
}

func (m *mockState) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if existing, ok := m.allowances[allowancePair{owner, spender}]; ok && existing != nil {
		return new(big.Int).Set(existing), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	m.allowances[allowancePair{owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) LastMutationHeight(addr [20]byte) (uint64, bool, error) {
	height, ok := m.guard[addr]
	return height, ok, nil
}

func (m *mockState) SetLastMutationHeight(addr [20]byte, height uint64) error {
	m.guard[addr] = height
	return nil
}

func (m *mockState) setBalances(addr [20]byte, currency, units int64) {
	account := cloneTestAccount(m.accounts[addr])
	delta := new(big.Int).Sub(big.NewInt(units), account.BalanceSVT)
	account.BalanceSLV = big.NewInt(currency)
	account.BalanceSVT = big.NewInt(units)
	m.accounts[addr] = account
	m.supply = new(big.Int).Add(m.supply, delta)
}

func (m *mockState) balanceSVT(addr [20]byte) *big.Int {
	return cloneTestAccount(m.accounts[addr]).BalanceSVT
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

type testHarness struct {
	state  *mockState
	ledger *token.Engine
	engine *Engine
	pool   [20]byte
	height uint64
}

func newTestHarness() *testHarness {
	h := &testHarness{
		state: newMockState(),
		pool:  newTestAddress(0xAA),
	}
	h.height = 1

	h.ledger = token.NewEngine()
	h.ledger.SetState(h.state)
	h.ledger.SetHeightFunc(func() uint64 { return h.height })
	h.ledger.SetModuleAddress(h.pool)

	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetLedger(h.ledger)
	h.engine.SetPool(h.pool)
	h.engine.SetLatch(h.ledger.Latch())

	h.ledger.SetSellRoute(h.engine.SellRouted)
	return h
}

func TestQuoteConstantProduct(t *testing.T) {
	h := newTestHarness()
	h.state.setBalances(h.pool, 1000, 500)

	cases := []struct {
		name  string
		value int64
		isBuy bool
		want  int64
	}{
		{"buy", 100, true, 45},
		{"sell", 100, false, 166},
		{"zero buy", 0, true, 0},
		{"zero sell", 0, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := h.engine.Quote(big.NewInt(tc.value), tc.isBuy)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if got.Cmp(big.NewInt(tc.want)) != 0 {
				t.Fatalf("quote = %s, want %d", got, tc.want)
			}
		})
	}
}

func TestBuyDeliversQuotedUnits(t *testing.T) {
	h := newTestHarness()
	emitter := &capturingEmitter{}
	h.engine.SetEmitter(emitter)
	h.state.setBalances(h.pool, 1000, 500)

	buyer := newTestAddress(0x01)
	h.state.setBalances(buyer, 200, 0)

	if err := h.engine.Buy(buyer, big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got := h.state.balanceSVT(buyer); got.Cmp(big.NewInt(45)) != 0 {
		t.Fatalf("buyer units = %s, want 45", got)
	}
	if got := h.state.balanceSLV(buyer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer currency = %s, want 100", got)
	}
	if got := h.state.balanceSVT(h.pool); got.Cmp(big.NewInt(455)) != 0 {
		t.Fatalf("pool units = %s, want 455", got)
	}
	if got := h.state.balanceSLV(h.pool); got.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("pool currency = %s, want 1100", got)
	}
	supply, err := h.ledger.TotalSupply()
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("supply changed on swap: %s", supply)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one swap event, got %d", len(emitter.events))
	}
	swap, ok := emitter.events[0].(events.Swap)
	if !ok {
		t.Fatalf("expected swap event, got %T", emitter.events[0])
	}
	if swap.CurrencyIn.Cmp(big.NewInt(100)) != 0 || swap.UnitsOut.Cmp(big.NewInt(45)) != 0 {
		t.Fatalf("swap legs = in %s / out %s, want 100 / 45", swap.CurrencyIn, swap.UnitsOut)
	}
}

func TestBuyValidations(t *testing.T) {
	h := newTestHarness()
	h.state.setBalances(h.pool, 1000, 500)
	buyer := newTestAddress(0x01)
	h.state.setBalances(buyer, 50, 0)

	if err := h.engine.Buy(buyer, big.NewInt(0)); !errors.Is(err, token.ErrZeroValueNotAllowed) {
		t.Fatalf("expected zero value rejection, got %v", err)
	}
	if err := h.engine.Buy(buyer, big.NewInt(100)); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	// Drained unit reserve prices every buy to zero units.
	h.state.setBalances(h.pool, 1000, 0)
	if err := h.engine.Buy(buyer, big.NewInt(50)); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected insufficient reserve, got %v", err)
	}
	if got := h.state.balanceSLV(buyer); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("failed buy moved currency: %s", got)
	}
}

func TestBuySameBlockReplayRejected(t *testing.T) {
	h := newTestHarness()
	h.state.setBalances(h.pool, 1000, 500)
	buyer := newTestAddress(0x01)
	h.state.setBalances(buyer, 200, 0)

	if err := h.engine.Buy(buyer, big.NewInt(50)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if err := h.engine.Buy(buyer, big.NewInt(50)); !errors.Is(err, token.ErrSameBlockReplay) {
		t.Fatalf("expected same-block replay, got %v", err)
	}

	h.height = 2
	if err := h.engine.Buy(buyer, big.NewInt(50)); err != nil {
		t.Fatalf("buy in next block: %v", err)
	}
}

func TestSellPaysCurrency(t *testing.T) {
	h := newTestHarness()
	emitter := &capturingEmitter{}
	h.engine.SetEmitter(emitter)
	h.state.setBalances(h.pool, 1000, 500)

	seller := newTestAddress(0x01)
	h.state.setBalances(seller, 0, 50)

	if err := h.engine.Sell(seller, big.NewInt(30)); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if got := h.state.balanceSVT(seller); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("seller units = %s, want 20", got)
	}
	if got := h.state.balanceSLV(seller); got.Cmp(big.NewInt(56)) != 0 {
		t.Fatalf("seller currency = %s, want 56", got)
	}
	if got := h.state.balanceSVT(h.pool); got.Cmp(big.NewInt(530)) != 0 {
		t.Fatalf("pool units = %s, want 530", got)
	}
	if got := h.state.balanceSLV(h.pool); got.Cmp(big.NewInt(944)) != 0 {
		t.Fatalf("pool currency = %s, want 944", got)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one swap event, got %d", len(emitter.events))
	}
	swap, ok := emitter.events[0].(events.Swap)
	if !ok {
		t.Fatalf("expected swap event, got %T", emitter.events[0])
	}
	if swap.UnitsIn.Cmp(big.NewInt(30)) != 0 || swap.CurrencyOut.Cmp(big.NewInt(56)) != 0 {
		t.Fatalf("swap legs = in %s / out %s, want 30 / 56", swap.UnitsIn, swap.CurrencyOut)
	}
}

func TestSellValidations(t *testing.T) {
	h := newTestHarness()
	seller := newTestAddress(0x01)
	h.state.setBalances(seller, 0, 50)

	// An empty currency reserve prices every sell to zero.
	h.state.setBalances(h.pool, 0, 500)
	if err := h.engine.Sell(seller, big.NewInt(30)); !errors.Is(err, ErrSellTooLow) {
		t.Fatalf("expected sell too low, got %v", err)
	}
	if err := h.engine.Sell(seller, big.NewInt(0)); !errors.Is(err, ErrSellTooLow) {
		t.Fatalf("expected sell too low for zero amount, got %v", err)
	}
	if got := h.state.balanceSVT(seller); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("failed sell moved units: %s", got)
	}

	h.state.setBalances(h.pool, 1000, 500)
	if err := h.engine.Sell(seller, big.NewInt(100)); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestTransferToPoolRoutesToSell(t *testing.T) {
	h := newTestHarness()
	h.state.setBalances(h.pool, 1000, 500)

	seller := newTestAddress(0x01)
	h.state.setBalances(seller, 0, 50)

	if err := h.ledger.Transfer(seller, h.pool, big.NewInt(30)); err != nil {
		t.Fatalf("routed transfer: %v", err)
	}
	if got := h.state.balanceSVT(seller); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("seller units = %s, want 20", got)
	}
	if got := h.state.balanceSLV(seller); got.Cmp(big.NewInt(56)) != 0 {
		t.Fatalf("seller currency = %s, want 56", got)
	}
}

func TestReservesReadLive(t *testing.T) {
	h := newTestHarness()
	h.state.setBalances(h.pool, 1000, 500)

	currency, units, err := h.engine.Reserves()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if currency.Cmp(big.NewInt(1000)) != 0 || units.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("reserves = %s / %s, want 1000 / 500", currency, units)
	}

	h.state.setBalances(h.pool, 2000, 250)
	currency, units, err = h.engine.Reserves()
	if err != nil {
		t.Fatalf("reserves after update: %v", err)
	}
	if currency.Cmp(big.NewInt(2000)) != 0 || units.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("reserves = %s / %s, want 2000 / 250", currency, units)
	}
}
