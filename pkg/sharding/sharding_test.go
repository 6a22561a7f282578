package sharding

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewRejectsBadTopology(t *testing.T) {
	if _, err := New(0, 0); err == nil {
		t.Fatal("expected error for zero shards")
	}
	if _, err := New(2, 2); err == nil {
		t.Fatal("expected error for shard outside range")
	}
}

func TestShardOf(t *testing.T) {
	s, err := New(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr string
		want uint32
	}{
		{"0x0000000000000000000000000000000000000000", 0},
		{"0x0000000000000000000000000000000000000001", 1},
		{"0x00000000000000000000000000000000000000ff", 3},
		{"0xffffffffffffffffffffffffffffffffffffff06", 2},
	}
	for _, tt := range tests {
		if got := s.ShardOf(common.HexToAddress(tt.addr)); got != tt.want {
			t.Errorf("ShardOf(%s) = %d, want %d", tt.addr, got, tt.want)
		}
	}
	if !s.IsLocal(common.HexToAddress("0x05")) {
		t.Error("0x..05 should be local to shard 1 of 4")
	}
}
