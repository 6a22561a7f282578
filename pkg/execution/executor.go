package execution

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/util"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNonceMismatch       = errors.New("nonce mismatch")
	ErrStateRootMismatch   = errors.New("state root mismatch")
	ErrBadGenesis          = errors.New("malformed genesis block")
	ErrMissingStateRoot    = errors.New("block carries no state root")
)

// StateStore is the account-state collaborator.
type StateStore interface {
	GetOrCreate(addr common.Address) (*account.State, error)
	Update(addrs []common.Address, fn func([]*account.State) error) error
	Rollback()
	RootHash() (common.Hash, error)
}

// TxSource resolves a block's transaction hashes.
type TxSource interface {
	GetTransactions(hashes []common.Hash) ([]*chain.Transaction, error)
}

type Executor struct {
	log *zap.SugaredLogger
}

func NewExecutor(log *zap.SugaredLogger) *Executor {
	return &Executor{log: util.OrNop(log)}
}

// ProcessTransaction verifies tx and applies it to store. A rejected
// transaction leaves the store untouched.
func (e *Executor) ProcessTransaction(store StateStore, tx *chain.Transaction) Report {
	if store == nil || tx == nil {
		panic("execution: nil state or transaction")
	}
	if err := tx.Verify(); err != nil {
		return fail(err, "transaction verification failed")
	}

	err := store.Update([]common.Address{tx.Sender, tx.Receiver}, func(s []*account.State) error {
		sender, receiver := s[0], s[1]
		if sender.Balance.Cmp(tx.Value) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sender.Balance, tx.Value)
		}
		if sender.Nonce != tx.Nonce {
			return fmt.Errorf("%w: account at %d, transaction at %d", ErrNonceMismatch, sender.Nonce, tx.Nonce)
		}
		receiver.Balance.Add(receiver.Balance, tx.Value)
		sender.Balance.Sub(sender.Balance, tx.Value)
		sender.Nonce++
		return nil
	})
	if err != nil {
		return fail(err, "transaction rejected")
	}
	return ok("transaction executed")
}

// ProcessBlock applies every transaction of b in order. A genesis block
// applies its mint. The resulting root must match b's state hash; only a
// genesis block still being built may leave it empty. On any failure the
// store is rolled back. Nothing is committed here.
func (e *Executor) ProcessBlock(b *chain.Block, store StateStore, txs TxSource) Report {
	if b == nil || store == nil {
		panic("execution: nil block or state")
	}
	if !b.IsGenesis() && b.AppStateHash == (common.Hash{}) {
		return fail(ErrMissingStateRoot, "block %d", b.Nonce)
	}
	list, err := txs.GetTransactions(b.TxHashes)
	if err != nil {
		return fail(err, "failed to load transactions of block %d", b.Nonce)
	}

	if b.IsGenesis() {
		if r := e.applyMint(store, list); !r.OK {
			store.Rollback()
			return r
		}
	} else {
		for i, tx := range list {
			if r := e.ProcessTransaction(store, tx); !r.OK {
				store.Rollback()
				e.log.Warnw("block_tx_failed", "nonce", b.Nonce, "index", i, "err", r.Err)
				return fail(r.Err, "transaction %d of block %d failed", i, b.Nonce)
			}
		}
	}

	if b.AppStateHash != (common.Hash{}) {
		root, err := store.RootHash()
		if err != nil {
			store.Rollback()
			return fail(err, "failed to compute state root")
		}
		if root != b.AppStateHash {
			store.Rollback()
			return fail(ErrStateRootMismatch, "block %d: root %s, block says %s",
				b.Nonce, root.TerminalString(), b.AppStateHash.TerminalString())
		}
	}
	return ok("block executed")
}

func (e *Executor) applyMint(store StateStore, list []*chain.Transaction) Report {
	if len(list) != 1 || !list[0].IsMint() || list[0].Value == nil {
		return fail(ErrBadGenesis, "genesis must hold exactly one mint transaction")
	}
	mint := list[0]
	err := store.Update([]common.Address{mint.Receiver}, func(s []*account.State) error {
		s[0].Balance.Add(s[0].Balance, mint.Value)
		return nil
	})
	if err != nil {
		return fail(err, "mint failed")
	}
	return ok("mint executed")
}
