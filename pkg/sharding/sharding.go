package sharding

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Service answers routing questions about the account space partition.
// It is built once at startup and passed to whoever needs it.
type Service struct {
	shards uint32
	self   uint32
}

func New(numberOfShards, self uint32) (*Service, error) {
	if numberOfShards == 0 {
		return nil, fmt.Errorf("number of shards must be at least 1")
	}
	if self >= numberOfShards {
		return nil, fmt.Errorf("shard %d out of range [0,%d)", self, numberOfShards)
	}
	return &Service{shards: numberOfShards, self: self}, nil
}

func (s *Service) NumberOfShards() uint32 { return s.shards }
func (s *Service) CurrentShard() uint32   { return s.self }

// ShardOf maps an address to its shard by its last byte.
func (s *Service) ShardOf(addr common.Address) uint32 {
	return uint32(addr[common.AddressLength-1]) % s.shards
}

func (s *Service) IsLocal(addr common.Address) bool {
	return s.ShardOf(addr) == s.self
}
