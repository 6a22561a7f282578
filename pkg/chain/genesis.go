package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NewGenesisBlock builds the nonce-0 block of a shard together with the mint
// transaction baked into it. The state hash is left for the caller to stamp
// after executing the mint.
func NewGenesisBlock(mintAddr common.Address, value *big.Int, shard uint32, timestamp uint64) (*Block, *Transaction) {
	mint := &Transaction{
		Receiver: mintAddr,
		Value:    new(big.Int).Set(value),
		Nonce:    0,
	}
	return &Block{
		Nonce:     0,
		TxHashes:  []common.Hash{mint.Hash()},
		Shard:     shard,
		Timestamp: timestamp,
	}, mint
}
