package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"svtchain/core/genesis"
	"svtchain/core/state"
	"svtchain/core/types"
	"svtchain/crypto"
	"svtchain/native/liquidity"
	"svtchain/storage"
	"svtchain/storage/trie"
)

// ErrMempoolFull is returned when the pending transaction queue has reached
// its configured limit.
var ErrMempoolFull = errors.New("core: mempool is full")

var genesisSpecKey = []byte("genesis/spec")

const eventHistoryLimit = 512

// BlockEvents carries the events emitted while committing one block.
type BlockEvents struct {
	Height uint64        `json:"height"`
	Events []types.Event `json:"events"`
}

// Node is the central controller. It owns the durable block store, the state
// processor and the mempool, and seals blocks at a fixed interval.
type Node struct {
	db           storage.Database
	state        *StateProcessor
	chain        *Blockchain
	validatorKey *crypto.PrivateKey
	logger       *slog.Logger

	mempool      []*types.Transaction
	mempoolLimit int
	mempoolMu    sync.Mutex

	stateMu sync.Mutex

	eventHistory []BlockEvents
	eventSubs    map[uint64]chan BlockEvents
	nextSubID    uint64
	eventMu      sync.Mutex
}

// NewNode opens the chain over the database and prepares the state for the
// current tip. A fresh database requires a genesis spec; on restart the spec
// stored alongside the chain is used and the full block history is replayed
// to rebuild the in-memory state.
func NewNode(db storage.Database, validatorKey *crypto.PrivateKey, spec *genesis.GenesisSpec) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	if validatorKey == nil {
		return nil, fmt.Errorf("validator key must not be nil")
	}

	chain, err := NewBlockchain(db)
	if err != nil {
		return nil, err
	}

	stored, err := db.Get(genesisSpecKey)
	switch {
	case err == nil:
		parsed, parseErr := genesis.ParseGenesisSpec(stored)
		if parseErr != nil {
			return nil, fmt.Errorf("stored genesis spec: %w", parseErr)
		}
		if spec != nil && spec.ChainID != parsed.ChainID {
			return nil, fmt.Errorf("genesis spec chain id %d does not match stored chain %d", spec.ChainID, parsed.ChainID)
		}
		spec = parsed
	case errors.Is(err, storage.ErrNotFound):
		if spec == nil {
			return nil, fmt.Errorf("genesis spec required for a fresh database")
		}
		raw, marshalErr := json.Marshal(spec)
		if marshalErr != nil {
			return nil, fmt.Errorf("encode genesis spec: %w", marshalErr)
		}
		if putErr := db.Put(genesisSpecKey, raw); putErr != nil {
			return nil, fmt.Errorf("store genesis spec: %w", putErr)
		}
	default:
		return nil, fmt.Errorf("load genesis spec: %w", err)
	}

	stateTrie, err := trie.NewTrie()
	if err != nil {
		return nil, fmt.Errorf("init state trie: %w", err)
	}
	genesisBlock, err := genesis.BuildGenesisFromSpec(spec, stateTrie)
	if err != nil {
		return nil, err
	}
	if chain.Empty() {
		if err := chain.AddBlock(genesisBlock); err != nil {
			return nil, fmt.Errorf("store genesis block: %w", err)
		}
	} else {
		genesisHash, hashErr := genesisBlock.Header.Hash()
		if hashErr != nil {
			return nil, fmt.Errorf("hash genesis block: %w", hashErr)
		}
		if !bytes.Equal(genesisHash, chain.GenesisHash()) {
			return nil, fmt.Errorf("genesis spec does not reproduce the stored chain's genesis block")
		}
	}

	processor, err := NewStateProcessor(stateTrie, spec.ChainID)
	if err != nil {
		return nil, err
	}

	node := &Node{
		db:           db,
		state:        processor,
		chain:        chain,
		validatorKey: validatorKey,
		logger:       slog.Default(),
		mempool:      make([]*types.Transaction, 0),
		eventSubs:    make(map[uint64]chan BlockEvents),
	}
	if err := node.replayChain(); err != nil {
		return nil, err
	}
	node.logger.Info("node initialized",
		"validator", validatorKey.PubKey().Address().String(),
		"chainId", spec.ChainID,
		"height", chain.GetHeight())
	return node, nil
}

// SetLogger replaces the node's logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger != nil {
		n.logger = logger
	}
}

// replayChain re-executes every stored block above genesis against the fresh
// state. Any divergence from a stored state root means the database and the
// code disagree, and the node refuses to start.
func (n *Node) replayChain() error {
	if n.chain.GetHeight() == 0 {
		return nil
	}
	blocks, err := n.chain.GetBlocks(1)
	if err != nil {
		return fmt.Errorf("load blocks for replay: %w", err)
	}
	for _, b := range blocks {
		n.state.SetBlockHeight(b.Header.Height)
		for i, tx := range b.Transactions {
			if err := n.state.ApplyTransaction(tx); err != nil {
				return fmt.Errorf("replay block %d transaction %d: %w", b.Header.Height, i, err)
			}
		}
		root, err := n.state.Commit(b.Header.Height)
		if err != nil {
			return fmt.Errorf("replay commit at height %d: %w", b.Header.Height, err)
		}
		if !bytes.Equal(root.Bytes(), b.Header.StateRoot) {
			return fmt.Errorf("replay state root mismatch at height %d", b.Header.Height)
		}
	}
	n.state.ResetEvents()
	return nil
}

// SetMempoolLimit sets the maximum number of pending transactions. Zero or
// negative means unlimited.
func (n *Node) SetMempoolLimit(limit int) {
	n.mempoolMu.Lock()
	defer n.mempoolMu.Unlock()
	n.mempoolLimit = limit
}

// AddTransaction admits a transaction to the mempool after checking that it
// targets this chain and carries a recoverable signature. Stateful checks
// happen at sealing time.
func (n *Node) AddTransaction(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction must not be nil")
	}
	if tx.ChainID != n.state.ChainID() {
		return fmt.Errorf("%w: transaction built for chain %d, this chain is %d", ErrInvalidChainID, tx.ChainID, n.state.ChainID())
	}
	if _, err := tx.From(); err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	n.mempoolMu.Lock()
	defer n.mempoolMu.Unlock()
	if n.mempoolLimit > 0 && len(n.mempool) >= n.mempoolLimit {
		return ErrMempoolFull
	}
	n.mempool = append(n.mempool, tx)
	return nil
}

// GetMempool drains and returns the pending transactions in arrival order.
func (n *Node) GetMempool() []*types.Transaction {
	n.mempoolMu.Lock()
	defer n.mempoolMu.Unlock()
	txs := n.mempool
	n.mempool = make([]*types.Transaction, 0)
	return txs
}

// MempoolSize returns the number of pending transactions.
func (n *Node) MempoolSize() int {
	n.mempoolMu.Lock()
	defer n.mempoolMu.Unlock()
	return len(n.mempool)
}

// requeue puts transactions back at the front of the mempool, preserving
// their order, after a failed sealing attempt. The limit is ignored so a
// full queue cannot drop already-admitted transactions.
func (n *Node) requeue(txs []*types.Transaction) {
	if len(txs) == 0 {
		return
	}
	n.mempoolMu.Lock()
	defer n.mempoolMu.Unlock()
	n.mempool = append(append(make([]*types.Transaction, 0, len(txs)+len(n.mempool)), txs...), n.mempool...)
}

// CreateBlock speculatively executes the given transactions on a copy of the
// state and assembles the next block from the ones that apply cleanly.
// Failing transactions are dropped, not carried into the block.
func (n *Node) CreateBlock(txs []*types.Transaction) (*types.Block, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.chain.Empty() {
		return nil, fmt.Errorf("chain has no genesis block")
	}
	height := n.chain.GetHeight() + 1

	speculative, err := n.state.Copy()
	if err != nil {
		return nil, err
	}
	speculative.SetBlockHeight(height)

	included := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		if applyErr := speculative.ApplyTransaction(tx); applyErr != nil {
			n.logger.Debug("dropping transaction from block",
				"type", tx.Type,
				"height", height,
				"err", applyErr)
			// Rebuild the speculative state from scratch so nothing a
			// failed transaction may have touched leaks into the block.
			rebuilt, rebuildErr := n.rebuildSpeculative(height, included)
			if rebuildErr != nil {
				return nil, rebuildErr
			}
			speculative = rebuilt
			continue
		}
		included = append(included, tx)
	}

	txRoot, err := ComputeTxRoot(included)
	if err != nil {
		return nil, err
	}
	header := &types.BlockHeader{
		Height:    height,
		Timestamp: time.Now().Unix(),
		PrevHash:  n.chain.Tip(),
		StateRoot: speculative.PendingRoot().Bytes(),
		TxRoot:    txRoot,
		Proposer:  n.validatorKey.PubKey().Address().Bytes(),
	}
	return types.NewBlock(header, included), nil
}

func (n *Node) rebuildSpeculative(height uint64, txs []*types.Transaction) (*StateProcessor, error) {
	speculative, err := n.state.Copy()
	if err != nil {
		return nil, err
	}
	speculative.SetBlockHeight(height)
	for i, tx := range txs {
		if err := speculative.ApplyTransaction(tx); err != nil {
			return nil, fmt.Errorf("reapply transaction %d: %w", i, err)
		}
	}
	return speculative, nil
}

// CommitBlock executes a sealed block against the canonical state and
// persists it. Every transaction must apply and the resulting root must match
// the header; otherwise the state is rolled back to the parent root.
func (n *Node) CommitBlock(b *types.Block) error {
	if b == nil || b.Header == nil {
		return fmt.Errorf("block must not be nil")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	parentRoot := n.state.CurrentRoot()
	rollback := func() error {
		if err := n.state.ResetToRoot(parentRoot); err != nil {
			return fmt.Errorf("rollback to parent root: %w", err)
		}
		return nil
	}

	txRoot, err := ComputeTxRoot(b.Transactions)
	if err != nil {
		return err
	}
	if !bytes.Equal(txRoot, b.Header.TxRoot) {
		return fmt.Errorf("tx root mismatch")
	}

	n.state.ResetEvents()
	n.state.SetBlockHeight(b.Header.Height)
	for i, tx := range b.Transactions {
		if err := n.state.ApplyTransaction(tx); err != nil {
			if rbErr := rollback(); rbErr != nil {
				return fmt.Errorf("apply transaction %d: %v (rollback failed: %w)", i, err, rbErr)
			}
			return fmt.Errorf("apply transaction %d: %w", i, err)
		}
	}

	pendingRoot := n.state.PendingRoot()
	pendingBytes := pendingRoot.Bytes()
	if len(b.Header.StateRoot) == 0 {
		b.Header.StateRoot = pendingBytes
	} else if !bytes.Equal(b.Header.StateRoot, pendingBytes) {
		if rbErr := rollback(); rbErr != nil {
			return fmt.Errorf("state root mismatch: %w", rbErr)
		}
		return fmt.Errorf("state root mismatch")
	}

	committedRoot, err := n.state.Commit(b.Header.Height)
	if err != nil {
		if rbErr := rollback(); rbErr != nil {
			return fmt.Errorf("state commit failed: %v (rollback failed: %w)", err, rbErr)
		}
		return fmt.Errorf("state commit failed: %w", err)
	}
	if !bytes.Equal(b.Header.StateRoot, committedRoot.Bytes()) {
		return fmt.Errorf("state root mismatch after commit")
	}

	if err := n.chain.AddBlock(b); err != nil {
		return fmt.Errorf("append block: %w", err)
	}

	n.publishEvents(b.Header.Height, n.state.Events())
	n.logger.Info("committed block",
		"height", b.Header.Height,
		"txs", len(b.Transactions))
	return nil
}

// SealBlock drains the mempool into a new block and commits it. On failure
// the drained transactions are requeued.
func (n *Node) SealBlock() (*types.Block, error) {
	txs := n.GetMempool()
	block, err := n.CreateBlock(txs)
	if err != nil {
		n.requeue(txs)
		return nil, err
	}
	if err := n.CommitBlock(block); err != nil {
		n.requeue(txs)
		return nil, err
	}
	return block, nil
}

// SealLoop produces a block every interval until the context is cancelled.
// Empty blocks are sealed too; the chain height is the clock the liquidity
// lock and the same-block guard run on, so it must advance without traffic.
func (n *Node) SealLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := n.SealBlock(); err != nil {
				n.logger.Error("seal block", "err", err)
			}
		}
	}
}

// --- Views for the RPC layer ---

// GetHeight returns the height of the chain tip.
func (n *Node) GetHeight() uint64 {
	return n.chain.GetHeight()
}

// ChainID returns the network identifier from the genesis spec.
func (n *Node) ChainID() uint64 {
	return n.state.ChainID()
}

// Chain returns the node's block store.
func (n *Node) Chain() *Blockchain {
	return n.chain
}

// GetAccount returns the account snapshot for an address.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.GetAccount(addr)
}

// BalanceOf returns an address's SVT balance.
func (n *Node) BalanceOf(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.TokenEngine.BalanceOf(addr)
}

// Allowance returns the remaining allowance a spender holds on an owner.
func (n *Node) Allowance(owner, spender [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.TokenEngine.Allowance(owner, spender)
}

// TotalSupply returns the recorded SVT supply.
func (n *Node) TotalSupply() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.TokenEngine.TotalSupply()
}

// SolidValue returns the SLV amount held in the redemption reserve.
func (n *Node) SolidValue() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.TokenEngine.SolidValue()
}

// Reserves returns the pool's currency and unit reserves.
func (n *Node) Reserves() (*big.Int, *big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.SwapEngine.Reserves()
}

// QuoteAmountOut prices a prospective swap against the live reserves.
func (n *Node) QuoteAmountOut(value *big.Int, isBuy bool) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.SwapEngine.Quote(value, isBuy)
}

// LiquidityLock returns the lock status and record, if one exists.
func (n *Node) LiquidityLock() (liquidity.Status, *state.LiquidityLock, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.LiquidityEngine.Status()
}

// KeeperReserve returns the balance held by the reserve custodian.
func (n *Node) KeeperReserve() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.KeeperEngine.Reserve()
}

// TokenMetadata returns the token descriptor stored at genesis.
func (n *Node) TokenMetadata() (*state.TokenMetadata, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.manager.TokenMeta()
}

// GetBlockByHeight returns the block stored at the given height.
func (n *Node) GetBlockByHeight(height uint64) (*types.Block, error) {
	return n.chain.GetBlockByHeight(height)
}

// GetLatestBlocks returns up to count blocks ending at the tip, oldest first.
func (n *Node) GetLatestBlocks(count uint64) ([]*types.Block, error) {
	return n.chain.LatestBlocks(count)
}

// --- Event feed ---

// SubscribeEvents registers a listener for per-block event batches. The
// returned cancel function must be called to release the subscription.
func (n *Node) SubscribeEvents(buffer int) (<-chan BlockEvents, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	id := n.nextSubID
	n.nextSubID++
	ch := make(chan BlockEvents, buffer)
	n.eventSubs[id] = ch
	cancel := func() {
		n.eventMu.Lock()
		defer n.eventMu.Unlock()
		if existing, ok := n.eventSubs[id]; ok {
			delete(n.eventSubs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// EventsSince returns the retained event batches for blocks above the given
// height. The history is bounded, so long-disconnected consumers may miss
// older batches.
func (n *Node) EventsSince(height uint64) []BlockEvents {
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	out := make([]BlockEvents, 0, len(n.eventHistory))
	for _, batch := range n.eventHistory {
		if batch.Height > height {
			out = append(out, batch)
		}
	}
	return out
}

func (n *Node) publishEvents(height uint64, evts []types.Event) {
	batch := BlockEvents{Height: height, Events: evts}
	n.eventMu.Lock()
	n.eventHistory = append(n.eventHistory, batch)
	if len(n.eventHistory) > eventHistoryLimit {
		n.eventHistory = n.eventHistory[len(n.eventHistory)-eventHistoryLimit:]
	}
	subs := make([]chan BlockEvents, 0, len(n.eventSubs))
	for _, ch := range n.eventSubs {
		subs = append(subs, ch)
	}
	n.eventMu.Unlock()

	// Slow subscribers are skipped rather than blocking the commit path.
	for _, ch := range subs {
		select {
		case ch <- batch:
		default:
		}
	}
}
