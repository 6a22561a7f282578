package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// HashOf is keccak256 over the RLP encoding of v. Every node derives the same
// bytes for the same value.
func HashOf(v any) common.Hash {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Sprintf("chain: rlp encode %T: %v", v, err))
	}
	return crypto.Keccak256Hash(b)
}

func HashString(v any) string { return HashOf(v).Hex() }

// Encode is the canonical byte form of chain objects on the wire.
func Encode(v any) ([]byte, error) { return rlp.EncodeToBytes(v) }

func Decode(b []byte, v any) error { return rlp.DecodeBytes(b, v) }
