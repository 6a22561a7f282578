package consensus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/crypto"
)

var (
	ErrNoSigners     = errors.New("no signer of the roster is available")
	ErrShareRejected = errors.New("signature share failed verification")
)

// Roster is the signing group of a shard in bitmap order: bit i of a bitmap
// stands for Keys()[i].
type Roster struct {
	keys [][]byte
	hex  []string
}

// NewRoster parses hex compressed public keys. At most 64 fit in a bitmap.
func NewRoster(hexKeys []string) (*Roster, error) {
	if len(hexKeys) == 0 {
		return nil, errors.New("empty roster")
	}
	if len(hexKeys) > 64 {
		return nil, fmt.Errorf("roster of %d keys exceeds the 64-bit bitmap", len(hexKeys))
	}
	r := &Roster{}
	for _, h := range hexKeys {
		k, err := crypto.DecodePublicKeyHex(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, err
		}
		r.keys = append(r.keys, k)
		r.hex = append(r.hex, hex.EncodeToString(k))
	}
	return r, nil
}

func (r *Roster) Keys() [][]byte { return r.keys }
func (r *Roster) Len() int       { return len(r.keys) }

// Participants returns the hex keys selected by bitmap, in roster order.
func (r *Roster) Participants(bitmap uint64) []string {
	var out []string
	for i, h := range r.hex {
		if bitmap&(1<<uint(i)) != 0 {
			out = append(out, h)
		}
	}
	return out
}

// ShareCollector runs one commit-challenge-response session with the
// members of a roster.
type ShareCollector interface {
	// Bitmap selects the roster members that will take part.
	Bitmap(r *Roster) uint64
	// Collect returns the aggregated commitment and signature over msg.
	Collect(ctx context.Context, r *Roster, bitmap uint64, msg []byte) (commitment, signature []byte, err error)
}

// LocalCollector signs with the roster keys this process holds. A node that
// signs alone uses it with a roster of one.
type LocalCollector struct {
	ms   *crypto.MultiSig
	keys map[string]*crypto.Signer
}

func NewLocalCollector(ms *crypto.MultiSig, signers ...*crypto.Signer) *LocalCollector {
	c := &LocalCollector{ms: ms, keys: make(map[string]*crypto.Signer, len(signers))}
	for _, s := range signers {
		c.keys[s.PublicKeyHex()] = s
	}
	return c
}

func (c *LocalCollector) Bitmap(r *Roster) uint64 {
	var bitmap uint64
	for i, h := range r.hex {
		if _, ok := c.keys[h]; ok {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap
}

func (c *LocalCollector) Collect(_ context.Context, r *Roster, bitmap uint64, msg []byte) ([]byte, []byte, error) {
	if bitmap == 0 {
		return nil, nil, ErrNoSigners
	}
	// The session runs over the participants only: L' is their keys.
	parts := r.Participants(bitmap)
	signers := make([][]byte, len(parts))
	secrets := make([][]byte, len(parts))
	commitments := make([][]byte, len(parts))
	for i, h := range parts {
		if _, ok := c.keys[h]; !ok {
			return nil, nil, fmt.Errorf("no local key for signer %s", h)
		}
		signers[i] = c.keys[h].PublicKey()
		secrets[i] = c.ms.CommitmentSecret()
		commitments[i] = c.ms.Commitment(secrets[i])
		if !c.ms.ValidateCommitment(commitments[i], c.ms.CommitmentHash(commitments[i])) {
			return nil, nil, fmt.Errorf("commitment of signer %d does not match its hash", i)
		}
	}
	all := fullBitmap(len(parts))

	aggCommitment, err := c.ms.AggregateCommitments(commitments, all)
	if err != nil {
		return nil, nil, err
	}
	if len(aggCommitment) == 0 {
		return nil, nil, errors.New("aggregated commitment is the point at infinity")
	}

	shares := make([][]byte, len(parts))
	for i, h := range parts {
		challenge := c.ms.Challenge(signers, signers[i], aggCommitment, msg, all)
		shares[i] = c.ms.SignatureShare(challenge, c.keys[h].PrivateKeyBytes(), secrets[i])
		if !c.ms.VerifySignatureShare(signers, signers[i], shares[i], aggCommitment, commitments[i], msg, all) {
			return nil, nil, fmt.Errorf("signer %d: %w", i, ErrShareRejected)
		}
	}
	sig, err := c.ms.AggregateSignatures(shares, all)
	if err != nil {
		return nil, nil, err
	}
	return aggCommitment, sig, nil
}

func fullBitmap(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(n) - 1
}

// SignBlock stamps the participating keys on b and signs it. Any earlier
// commitment or signature is dropped first.
func SignBlock(ctx context.Context, b *chain.Block, r *Roster, c ShareCollector) error {
	bitmap := c.Bitmap(r)
	if bitmap == 0 {
		return ErrNoSigners
	}
	b.PublicKeys = r.Participants(bitmap)
	b.Commitment = nil
	b.Signature = nil
	commitment, sig, err := c.Collect(ctx, r, bitmap, b.SigningHash().Bytes())
	if err != nil {
		return err
	}
	b.Commitment, b.Signature = commitment, sig
	return nil
}

// VerifyBlockSignature checks the block's aggregated signature against the
// keys it lists. A genesis block is unsigned and never passes: every node
// derives genesis from its own configuration.
func VerifyBlockSignature(ms *crypto.MultiSig, b *chain.Block) bool {
	if b.IsGenesis() {
		return false
	}
	if len(b.PublicKeys) == 0 || len(b.PublicKeys) > 64 || len(b.Commitment) == 0 || len(b.Signature) == 0 {
		return false
	}
	signers := make([][]byte, len(b.PublicKeys))
	for i, h := range b.PublicKeys {
		k, err := crypto.DecodePublicKeyHex(h)
		if err != nil {
			return false
		}
		signers[i] = k
	}
	return ms.VerifyAggregatedSignature(signers, b.Signature, b.Commitment, b.SigningHash().Bytes(), fullBitmap(len(signers)))
}
