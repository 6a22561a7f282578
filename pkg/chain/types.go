package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/crypto"
)

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrBadSignature       = errors.New("bad transaction signature")
)

// Block is one nonce-chained entry of a shard's chain. Timestamp is unix ms.
type Block struct {
	Nonce         uint64
	PrevBlockHash common.Hash
	TxHashes      []common.Hash
	Shard         uint32
	RoundIndex    uint64
	Timestamp     uint64
	AppStateHash  common.Hash
	PublicKeys    []string // hex compressed keys of the signing group
	Commitment    []byte   // aggregated commitment
	Signature     []byte   // aggregated signature
	Peers         []string
}

// Hash identifies the signed block. It is what the next block chains to.
func (b *Block) Hash() common.Hash { return HashOf(b) }

// SigningHash is the message of the block multi-signature: the block with
// its commitment and signature cleared.
func (b *Block) SigningHash() common.Hash {
	c := *b
	c.Commitment = nil
	c.Signature = nil
	return HashOf(&c)
}

func (b *Block) IsGenesis() bool { return b.Nonce == 0 }

func (b *Block) String() string {
	return fmt.Sprintf("Block{nonce=%d round=%d shard=%d txs=%d hash=%s}",
		b.Nonce, b.RoundIndex, b.Shard, len(b.TxHashes), b.Hash().TerminalString())
}

// Transaction moves value between two accounts. A transaction with a zero
// sender is a mint and only appears in a genesis block.
type Transaction struct {
	Sender    common.Address
	Receiver  common.Address
	Value     *big.Int
	Nonce     uint64
	Signature []byte
}

type unsignedTransaction struct {
	Sender   common.Address
	Receiver common.Address
	Value    *big.Int
	Nonce    uint64
}

func (tx *Transaction) Hash() common.Hash { return HashOf(tx) }

func (tx *Transaction) SigningHash() common.Hash {
	return HashOf(&unsignedTransaction{
		Sender:   tx.Sender,
		Receiver: tx.Receiver,
		Value:    tx.Value,
		Nonce:    tx.Nonce,
	})
}

func (tx *Transaction) IsMint() bool { return tx.Sender == (common.Address{}) }

// Sign fills the signature with signer's key. The sender must be the signer.
func (tx *Transaction) Sign(s *crypto.Signer) error {
	if tx.Sender != s.Address() {
		return fmt.Errorf("%w: sender %s is not signer %s", ErrInvalidTransaction, tx.Sender.Hex(), s.Address().Hex())
	}
	sig, err := s.Sign(tx.SigningHash().Bytes())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Verify checks structure and that the signature recovers to the sender.
func (tx *Transaction) Verify() error {
	if tx.Value == nil || tx.Value.Sign() < 0 {
		return fmt.Errorf("%w: value must be non-negative", ErrInvalidTransaction)
	}
	if tx.IsMint() {
		return fmt.Errorf("%w: mint outside genesis", ErrInvalidTransaction)
	}
	if tx.Sender == tx.Receiver {
		return fmt.Errorf("%w: sender equals receiver", ErrInvalidTransaction)
	}
	if !crypto.VerifySignature(tx.Sender, tx.SigningHash().Bytes(), tx.Signature) {
		return ErrBadSignature
	}
	return nil
}

type ReceiptStatus uint8

const (
	ReceiptAccepted ReceiptStatus = iota + 1
	ReceiptRejected
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptAccepted:
		return "ACCEPTED"
	case ReceiptRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

type Receipt struct {
	BlockHash common.Hash
	TxHash    common.Hash
	Status    ReceiptStatus
	Log       string
}

func (r *Receipt) Hash() common.Hash { return HashOf(r) }

// TransferBlock carries items produced by one block to another shard.
type TransferBlock[T any] struct {
	BlockHash common.Hash
	Items     []T
}
