package state

import (
	"math/big"
	"testing"

	"svtchain/core/types"
	"svtchain/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tr, err := trie.NewTrie()
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	return NewManager(tr)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestAccountRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := testAddr(0x11)

	account, err := manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get fresh account: %v", err)
	}
	if account.Nonce != 0 || account.BalanceSLV.Sign() != 0 || account.BalanceSVT.Sign() != 0 {
		t.Fatalf("fresh account not zeroed: %+v", account)
	}

	account.Nonce = 7
	account.BalanceSLV = big.NewInt(1234)
	account.BalanceSVT = big.NewInt(88)
	if err := manager.PutAccount(addr[:], account); err != nil {
		t.Fatalf("put account: %v", err)
	}

	reloaded, err := manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if reloaded.Nonce != 7 {
		t.Fatalf("unexpected nonce: %d", reloaded.Nonce)
	}
	if reloaded.BalanceSLV.Cmp(big.NewInt(1234)) != 0 {
		t.Fatalf("unexpected SLV balance: %s", reloaded.BalanceSLV)
	}
	if reloaded.BalanceSVT.Cmp(big.NewInt(88)) != 0 {
		t.Fatalf("unexpected SVT balance: %s", reloaded.BalanceSVT)
	}
}

func TestPutAccountRejectsNegativeAndOverflow(t *testing.T) {
	manager := newTestManager(t)
	addr := testAddr(0x22)

	negative := &types.Account{BalanceSLV: big.NewInt(-1)}
	if err := manager.PutAccount(addr[:], negative); err == nil {
		t.Fatalf("expected negative balance rejection")
	}

	overflow := new(big.Int).Lsh(big.NewInt(1), 256)
	tooBig := &types.Account{BalanceSVT: overflow}
	if err := manager.PutAccount(addr[:], tooBig); err == nil {
		t.Fatalf("expected overflow rejection")
	}
}

func TestAllowanceRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	owner := testAddr(0x33)
	spender := testAddr(0x44)

	amount, err := manager.Allowance(owner, spender)
	if err != nil {
		t.Fatalf("missing allowance: %v", err)
	}
	if amount.Sign() != 0 {
		t.Fatalf("expected zero allowance, got %s", amount)
	}

	if err := manager.SetAllowance(owner, spender, big.NewInt(500)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	amount, err = manager.Allowance(owner, spender)
	if err != nil {
		t.Fatalf("read allowance: %v", err)
	}
	if amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected allowance: %s", amount)
	}

	// The reverse pair keys a different slot.
	reverse, err := manager.Allowance(spender, owner)
	if err != nil {
		t.Fatalf("reverse allowance: %v", err)
	}
	if reverse.Sign() != 0 {
		t.Fatalf("reverse pair should be independent, got %s", reverse)
	}

	if err := manager.SetAllowance(owner, spender, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative allowance rejection")
	}
}

func TestGuardHeightRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := testAddr(0x55)

	if _, seen, err := manager.LastMutationHeight(addr); err != nil || seen {
		t.Fatalf("fresh guard entry: seen=%v err=%v", seen, err)
	}
	if err := manager.SetLastMutationHeight(addr, 42); err != nil {
		t.Fatalf("set guard height: %v", err)
	}
	height, seen, err := manager.LastMutationHeight(addr)
	if err != nil {
		t.Fatalf("read guard height: %v", err)
	}
	if !seen || height != 42 {
		t.Fatalf("unexpected guard entry: height=%d seen=%v", height, seen)
	}
}

func TestKeeperControllerBindsOnce(t *testing.T) {
	manager := newTestManager(t)

	if _, bound, err := manager.KeeperController(); err != nil || bound {
		t.Fatalf("fresh keeper record: bound=%v err=%v", bound, err)
	}

	controller := testAddr(0x66)
	if err := manager.BindKeeperController(controller); err != nil {
		t.Fatalf("bind controller: %v", err)
	}
	got, bound, err := manager.KeeperController()
	if err != nil {
		t.Fatalf("read controller: %v", err)
	}
	if !bound || got != controller {
		t.Fatalf("unexpected controller: %x bound=%v", got, bound)
	}

	if err := manager.BindKeeperController(testAddr(0x77)); err == nil {
		t.Fatalf("expected rebinding to fail")
	}
}

func TestLiquidityLockRecordRoundTrip(t *testing.T) {
	manager := newTestManager(t)

	if _, ok, err := manager.LiquidityLockRecord(); err != nil || ok {
		t.Fatalf("fresh lock record: ok=%v err=%v", ok, err)
	}

	lock := &LiquidityLock{Owner: testAddr(0x88), Amount: big.NewInt(999), UnlockHeight: 120}
	if err := manager.PutLiquidityLockRecord(lock); err != nil {
		t.Fatalf("put lock record: %v", err)
	}

	stored, ok, err := manager.LiquidityLockRecord()
	if err != nil || !ok {
		t.Fatalf("reload lock record: ok=%v err=%v", ok, err)
	}
	if stored.Owner != lock.Owner || stored.UnlockHeight != 120 {
		t.Fatalf("unexpected lock record: %+v", stored)
	}
	if stored.Amount.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("unexpected locked amount: %s", stored.Amount)
	}
}

func TestTokenHoldersIndex(t *testing.T) {
	manager := newTestManager(t)
	first := testAddr(0xaa)
	second := testAddr(0xbb)

	if err := manager.PutAccount(first[:], &types.Account{BalanceSVT: big.NewInt(10)}); err != nil {
		t.Fatalf("put first holder: %v", err)
	}
	// SLV-only accounts are not token holders.
	if err := manager.PutAccount(second[:], &types.Account{BalanceSLV: big.NewInt(10)}); err != nil {
		t.Fatalf("put second account: %v", err)
	}
	// Writing the same holder twice must not duplicate the index entry.
	if err := manager.PutAccount(first[:], &types.Account{BalanceSVT: big.NewInt(20)}); err != nil {
		t.Fatalf("update first holder: %v", err)
	}

	holders, err := manager.TokenHolders()
	if err != nil {
		t.Fatalf("token holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("expected a single holder, got %d", len(holders))
	}
	if string(holders[0]) != string(first[:]) {
		t.Fatalf("unexpected holder: %x", holders[0])
	}
}

func TestTokenMetadataRoundTrip(t *testing.T) {
	manager := newTestManager(t)

	meta, err := manager.TokenMeta()
	if err != nil {
		t.Fatalf("fresh metadata: %v", err)
	}
	if meta != nil {
		t.Fatalf("expected no metadata before genesis, got %+v", meta)
	}

	if err := manager.SetTokenMetadata(TokenMetadata{Symbol: "svt", Name: "Solid Value Token", Decimals: 18}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	meta, err = manager.TokenMeta()
	if err != nil || meta == nil {
		t.Fatalf("reload metadata: meta=%v err=%v", meta, err)
	}
	if meta.Symbol != "SVT" || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}
