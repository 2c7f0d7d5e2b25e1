package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"svtchain/core/events"
	"svtchain/core/state"
	"svtchain/core/types"
	"svtchain/native/keeper"
	"svtchain/native/liquidity"
	"svtchain/native/swap"
	"svtchain/native/token"
	"svtchain/storage/trie"
)

var (
	// ErrInvalidChainID rejects transactions signed for a different network.
	ErrInvalidChainID = errors.New("core: transaction chain id mismatch")
	// ErrNonceMismatch rejects transactions that do not carry the sender's
	// exact next nonce.
	ErrNonceMismatch = errors.New("core: transaction nonce mismatch")
	// ErrUnknownTxType rejects transaction types outside the dispatch table.
	ErrUnknownTxType = errors.New("core: unknown transaction type")
)

// StateProcessor executes transactions against the state trie. It owns the
// engine instances and wires them over a single manager, so every balance
// mutation funnels through the ledger's move choke point.
type StateProcessor struct {
	Trie *trie.Trie

	TokenEngine     *token.Engine
	SwapEngine      *swap.Engine
	KeeperEngine    *keeper.Engine
	LiquidityEngine *liquidity.Engine

	manager       *state.Manager
	chainID       uint64
	blockHeight   uint64
	committedRoot common.Hash
	events        []types.Event
}

// NewStateProcessor builds a processor over the supplied trie. The engines
// read the executing block height through a closure, so the same-block guard
// and the liquidity lock always observe the height pinned by SetBlockHeight.
func NewStateProcessor(tr *trie.Trie, chainID uint64) (*StateProcessor, error) {
	if tr == nil {
		return nil, fmt.Errorf("state trie must not be nil")
	}
	sp := &StateProcessor{
		Trie:          tr,
		manager:       state.NewManager(tr),
		chainID:       chainID,
		committedRoot: tr.Root(),
		events:        make([]types.Event, 0),
	}
	emitter := stateProcessorEmitter{sp: sp}
	heightFn := func() uint64 { return sp.blockHeight }

	keeperEngine := keeper.NewEngine()
	keeperEngine.SetState(sp.manager)
	keeperEngine.SetVault(state.KeeperAddress)

	tokenEngine := token.NewEngine()
	tokenEngine.SetState(sp.manager)
	tokenEngine.SetEmitter(emitter)
	tokenEngine.SetHeightFunc(heightFn)
	tokenEngine.SetModuleAddress(state.PoolAddress)
	tokenEngine.SetCustodian(keeperEngine)

	swapEngine := swap.NewEngine()
	swapEngine.SetState(sp.manager)
	swapEngine.SetLedger(tokenEngine)
	swapEngine.SetEmitter(emitter)
	swapEngine.SetLatch(tokenEngine.Latch())
	swapEngine.SetPool(state.PoolAddress)
	tokenEngine.SetSellRoute(swapEngine.SellRouted)

	liquidityEngine := liquidity.NewEngine()
	liquidityEngine.SetState(sp.manager)
	liquidityEngine.SetEmitter(emitter)
	liquidityEngine.SetHeightFunc(heightFn)
	liquidityEngine.SetVault(state.LockVaultAddress)

	sp.TokenEngine = tokenEngine
	sp.SwapEngine = swapEngine
	sp.KeeperEngine = keeperEngine
	sp.LiquidityEngine = liquidityEngine
	return sp, nil
}

// ChainID returns the network identifier transactions must carry.
func (sp *StateProcessor) ChainID() uint64 {
	return sp.chainID
}

// SetBlockHeight pins the height of the block being executed. The engines'
// height closures read this value.
func (sp *StateProcessor) SetBlockHeight(height uint64) {
	sp.blockHeight = height
}

// BlockHeight returns the currently pinned execution height.
func (sp *StateProcessor) BlockHeight() uint64 {
	return sp.blockHeight
}

// CurrentRoot returns the last committed state root.
func (sp *StateProcessor) CurrentRoot() common.Hash {
	return sp.committedRoot
}

// PendingRoot returns the root of the trie including in-memory mutations.
func (sp *StateProcessor) PendingRoot() common.Hash {
	return sp.Trie.Hash()
}

// ResetToRoot discards any in-memory changes and reloads the trie at the
// provided root hash. Only committed roots are resolvable.
func (sp *StateProcessor) ResetToRoot(root common.Hash) error {
	if err := sp.Trie.Reset(root); err != nil {
		return err
	}
	sp.committedRoot = root
	return nil
}

// Commit persists the current trie contents and returns the resulting state
// root.
func (sp *StateProcessor) Commit(blockNumber uint64) (common.Hash, error) {
	newRoot, err := sp.Trie.Commit(sp.committedRoot, blockNumber)
	if err != nil {
		return common.Hash{}, err
	}
	sp.committedRoot = newRoot
	return newRoot, nil
}

// Copy returns an independent clone for speculative execution. The clone
// gets its own trie, manager and engines, so mutations never leak back into
// the canonical processor.
func (sp *StateProcessor) Copy() (*StateProcessor, error) {
	trieCopy, err := sp.Trie.Copy()
	if err != nil {
		return nil, err
	}
	clone, err := NewStateProcessor(trieCopy, sp.chainID)
	if err != nil {
		return nil, err
	}
	clone.committedRoot = sp.committedRoot
	clone.blockHeight = sp.blockHeight
	clone.events = cloneEvents(sp.events)
	return clone, nil
}

// ApplyTransaction validates and executes a single transaction. The sender's
// nonce must equal the account nonce exactly; it is incremented only after
// the dispatched operation succeeds. Events emitted by a failed transaction
// are discarded.
func (sp *StateProcessor) ApplyTransaction(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction must not be nil")
	}
	if tx.ChainID != sp.chainID {
		return fmt.Errorf("%w: transaction built for chain %d, this chain is %d", ErrInvalidChainID, tx.ChainID, sp.chainID)
	}
	sender, err := tx.From()
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	account, err := sp.manager.GetAccount(sender)
	if err != nil {
		return fmt.Errorf("load sender account: %w", err)
	}
	if tx.Nonce != account.Nonce {
		return fmt.Errorf("%w: transaction nonce %d, account nonce %d", ErrNonceMismatch, tx.Nonce, account.Nonce)
	}
	caller, err := addressFromBytes(sender)
	if err != nil {
		return fmt.Errorf("sender address: %w", err)
	}

	mark := len(sp.events)
	if err := sp.dispatchTransaction(caller, tx); err != nil {
		sp.events = sp.events[:mark]
		return err
	}

	// The engines may have rewritten the sender account, so reload before
	// bumping the nonce.
	account, err = sp.manager.GetAccount(sender)
	if err != nil {
		return fmt.Errorf("reload sender account: %w", err)
	}
	account.Nonce++
	if err := sp.manager.PutAccount(sender, account); err != nil {
		return fmt.Errorf("persist sender nonce: %w", err)
	}
	return nil
}

func (sp *StateProcessor) dispatchTransaction(caller [20]byte, tx *types.Transaction) error {
	switch tx.Type {
	case types.TxTypeTransfer:
		to, err := addressFromBytes(tx.To)
		if err != nil {
			return fmt.Errorf("transfer recipient: %w", err)
		}
		return sp.TokenEngine.Transfer(caller, to, tx.Amount)
	case types.TxTypeApprove:
		spender, err := addressFromBytes(tx.To)
		if err != nil {
			return fmt.Errorf("approve spender: %w", err)
		}
		return sp.TokenEngine.Approve(caller, spender, tx.Amount)
	case types.TxTypeTransferFrom:
		to, err := addressFromBytes(tx.To)
		if err != nil {
			return fmt.Errorf("transferFrom recipient: %w", err)
		}
		var payload types.TransferFromPayload
		if err := decodePayload(tx.Data, &payload); err != nil {
			return fmt.Errorf("transferFrom payload: %w", err)
		}
		owner, err := addressFromBytes(payload.Owner)
		if err != nil {
			return fmt.Errorf("transferFrom owner: %w", err)
		}
		return sp.TokenEngine.TransferFrom(caller, owner, to, tx.Amount)
	case types.TxTypeSwapBuy:
		return sp.SwapEngine.Buy(caller, tx.Value)
	case types.TxTypeEnhanceValue:
		return sp.TokenEngine.EnhanceValue(caller, tx.Value)
	case types.TxTypeRetrieveValue:
		return sp.TokenEngine.RetrieveValue(caller, tx.Amount)
	case types.TxTypeAddLiquidity:
		var payload types.LiquidityPayload
		if err := decodePayload(tx.Data, &payload); err != nil {
			return fmt.Errorf("addLiquidity payload: %w", err)
		}
		return sp.LiquidityEngine.Add(caller, tx.Value, payload.UnlockHeight)
	case types.TxTypeExtendLiquidity:
		var payload types.LiquidityPayload
		if err := decodePayload(tx.Data, &payload); err != nil {
			return fmt.Errorf("extendLiquidity payload: %w", err)
		}
		return sp.LiquidityEngine.Extend(caller, payload.UnlockHeight)
	case types.TxTypeRemoveLiquidity:
		return sp.LiquidityEngine.Remove(caller)
	}
	return fmt.Errorf("%w: %d", ErrUnknownTxType, tx.Type)
}

// GetAccount loads an account snapshot from the current trie state.
func (sp *StateProcessor) GetAccount(addr []byte) (*types.Account, error) {
	return sp.manager.GetAccount(addr)
}

// AppendEvent records an event emitted during transaction execution.
func (sp *StateProcessor) AppendEvent(evt *types.Event) {
	if evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	sp.events = append(sp.events, types.Event{Type: evt.Type, Attributes: attrs})
}

// Events returns a deep copy of the events accumulated so far.
func (sp *StateProcessor) Events() []types.Event {
	return cloneEvents(sp.events)
}

// ResetEvents clears the accumulated event buffer.
func (sp *StateProcessor) ResetEvents() {
	sp.events = sp.events[:0]
}

type stateProcessorEmitter struct {
	sp *StateProcessor
}

func (e stateProcessorEmitter) Emit(evt events.Event) {
	if e.sp == nil || evt == nil {
		return
	}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			e.sp.AppendEvent(payload)
		}
		return
	}
	e.sp.AppendEvent(&types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

func cloneEvents(in []types.Event) []types.Event {
	out := make([]types.Event, len(in))
	for i := range in {
		attrs := make(map[string]string, len(in[i].Attributes))
		for k, v := range in[i].Attributes {
			attrs[k] = v
		}
		out[i] = types.Event{Type: in[i].Type, Attributes: attrs}
	}
	return out
}

func addressFromBytes(b []byte) ([20]byte, error) {
	var out [20]byte
	if len(b) != len(out) {
		return out, fmt.Errorf("address must be %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("payload must not be empty")
	}
	return json.Unmarshal(data, v)
}
