package bootstrap

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/execution"
)

// GenesisSpec fixes the genesis block of a shard. Every node built from the
// same spec derives the same block, so genesis never travels the network.
type GenesisSpec struct {
	MintAddress common.Address
	MintAmount  *big.Int
	Shard       uint32
	// Timestamp is unix ms, normally the start of round 0.
	Timestamp uint64
}

func (g GenesisSpec) validate() error {
	if g.MintAmount == nil || g.MintAmount.Sign() < 0 {
		return errors.New("genesis mint amount must be non-negative")
	}
	return nil
}

// buildGenesis creates the genesis block, stores its mint locally, executes
// it and stamps the resulting state root. The state is left uncommitted.
func buildGenesis(spec GenesisSpec, local LocalChain, state AccountState, exec *execution.Executor) (*chain.Block, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	b, mint := chain.NewGenesisBlock(spec.MintAddress, spec.MintAmount, spec.Shard, spec.Timestamp)
	if _, err := local.PutTransaction(mint); err != nil {
		return nil, fmt.Errorf("store mint: %w", err)
	}
	if r := exec.ProcessBlock(b, state, local); !r.OK {
		return nil, r.Error()
	}
	root, err := state.RootHash()
	if err != nil {
		state.Rollback()
		return nil, err
	}
	b.AppStateHash = root
	return b, nil
}
