package consensus

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/p2p"
)

// ---- Collaborators (impls in pkg/chain, pkg/account, pkg/mempool, pkg/p2p) ----

// LocalChain is this shard's chain on local storage.
type LocalChain interface {
	Shard() uint32
	Tip() *chain.Block
	Commit(b *chain.Block, state chain.StateJournal) error
	GetTransaction(hash common.Hash) (*chain.Transaction, bool, error)
	GetTransactions(hashes []common.Hash) ([]*chain.Transaction, error)
	PutTransaction(tx *chain.Transaction) (common.Hash, error)
	PutReceipt(r *chain.Receipt) (common.Hash, error)
	ReceiptForTransaction(txHash common.Hash) (*chain.Receipt, bool, error)
}

// AccountState is the account-state store whose journal is persisted with
// each committed block.
type AccountState interface {
	execution.StateStore
	chain.StateJournal
}

// StateView opens scratch overlays for block composition.
type StateView interface {
	Sandbox() *account.Sandbox
}

// TxPool holds pending transaction hashes.
type TxPool interface {
	Add(h common.Hash) error
	Snapshot(max int) []common.Hash
	Ack(hashes []common.Hash) int
	Len() int
}

// Broadcaster publishes payloads on broadcast channels.
type Broadcaster interface {
	Publish(ctx context.Context, ch p2p.Channel, payload []byte, shard uint32) error
	PeersOnChannel(ch p2p.Channel, shard uint32) []string
}

type Subscriber interface {
	Subscribe(ctx context.Context, ch p2p.Channel, shard uint32, h p2p.Handler) error
}

// NetworkIndex is the network object store and height index.
type NetworkIndex interface {
	PutBlock(ctx context.Context, b *chain.Block) error
	PutTransactions(ctx context.Context, txs []*chain.Transaction) error
	SetBlockHashAtHeight(ctx context.Context, height uint64, hash common.Hash) error
	SetMaxHeight(ctx context.Context, height int64) error
}

// Sharder maps accounts onto shards.
type Sharder interface {
	NumberOfShards() uint32
	CurrentShard() uint32
	ShardOf(addr common.Address) uint32
}

// Synchronizer reports whether the local chain has caught up with the network.
type Synchronizer interface {
	Synchronized() bool
}

type WAL interface {
	Append(line string)
}
