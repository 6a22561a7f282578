package consensus

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/chronology"
	"github.com/uhyunpark/shardnode/pkg/crypto"
)

var ErrBadBlockSignature = errors.New("block multi-signature does not verify")

// Safety holds the checks a block must pass before it may touch the chain.
type Safety struct {
	chrono  *chronology.Service
	genesis int64
	ms      *crypto.MultiSig
}

func NewSafety(chrono *chronology.Service, genesisTime int64, ms *crypto.MultiSig) *Safety {
	return &Safety{chrono: chrono, genesis: genesisTime, ms: ms}
}

// CheckFresh rejects a block whose round is no longer the current one. A
// proposal that missed its window is never committed.
func (s *Safety) CheckFresh(b *chain.Block) error {
	cur := s.chrono.RoundFromTimestamp(s.genesis, s.chrono.SynchronizedTime())
	if cur.Index != b.RoundIndex {
		return fmt.Errorf("%w: block round %d, now %d", ErrStaleRound, b.RoundIndex, cur.Index)
	}
	return nil
}

func (s *Safety) CheckSigned(b *chain.Block) error {
	if !VerifyBlockSignature(s.ms, b) {
		return fmt.Errorf("%w: block %d", ErrBadBlockSignature, b.Nonce)
	}
	return nil
}
