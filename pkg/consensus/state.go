package consensus

import (
	"sync"

	"github.com/uhyunpark/shardnode/pkg/crypto"
)

// ConsensusState is the per-round scratch data of one node: who leads the
// current round, this node's key, and the pending-transaction pool.
type ConsensusState struct {
	selfID  string
	key     *crypto.Signer
	pool    TxPool
	elector LeaderElector

	mu     sync.RWMutex
	round  uint64
	leader string
}

func NewConsensusState(selfID string, key *crypto.Signer, pool TxPool, elector LeaderElector) *ConsensusState {
	if key == nil || pool == nil || elector == nil {
		panic("consensus: nil key, pool or elector")
	}
	return &ConsensusState{selfID: selfID, key: key, pool: pool, elector: elector}
}

func (s *ConsensusState) SelfID() string      { return s.selfID }
func (s *ConsensusState) Key() *crypto.Signer { return s.key }
func (s *ConsensusState) Pool() TxPool        { return s.pool }

// EnterRound selects the leader of round and returns it.
func (s *ConsensusState) EnterRound(round uint64) string {
	leader := s.elector.LeaderOf(round)
	s.mu.Lock()
	s.round, s.leader = round, leader
	s.mu.Unlock()
	return leader
}

func (s *ConsensusState) Round() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

func (s *ConsensusState) SelectedLeader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

func (s *ConsensusState) IsLeader() bool {
	return s.SelectedLeader() == s.selfID
}
