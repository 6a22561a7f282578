package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// Bellare-Neven multi-signature over secp256k1.
//
// Encodings: scalars are 32-byte big-endian integers below the group order N,
// points are 33-byte compressed SEC1. Bit i of a bitmap selects entry i of the
// signer, commitment or share list it accompanies.
//
// Empty inputs are caller bugs and panic. Malformed peer data makes the
// Verify* functions return false.

const ScalarSize = 32

var ErrMalformed = errors.New("multisig: malformed input")

// MultiSig is stateless apart from its entropy source.
type MultiSig struct {
	rand io.Reader
}

func NewMultiSig() *MultiSig { return &MultiSig{rand: rand.Reader} }

// NewMultiSigWithRand is for tests that need a deterministic secret.
func NewMultiSigWithRand(r io.Reader) *MultiSig { return &MultiSig{rand: r} }

// CommitmentSecret draws r in [1, N-1]. A draw outside that range is re-hashed
// with SHA3-256 until it lands inside.
func (m *MultiSig) CommitmentSecret() []byte {
	r := make([]byte, ScalarSize)
	if _, err := io.ReadFull(m.rand, r); err != nil {
		panic(fmt.Sprintf("multisig: entropy source failed: %v", err))
	}
	for !validSecret(r) {
		sum := sha3.Sum256(r)
		r = sum[:]
	}
	return r
}

func validSecret(b []byte) bool {
	var k secp256k1.ModNScalar
	overflow := k.SetByteSlice(b)
	return !overflow && !k.IsZero()
}

// Commitment returns R = r·G.
func (m *MultiSig) Commitment(secret []byte) []byte {
	mustHave("commitment secret", secret)
	r, ok := parseScalar(secret)
	if !ok || r.IsZero() {
		panic("multisig: commitment secret out of range")
	}
	var R secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&r, &R)
	return encodePoint(&R)
}

// CommitmentHash hashes with SHA-256. The challenge uses SHA3-256 so the two
// hashes stay domain separated.
func (m *MultiSig) CommitmentHash(commitment []byte) []byte {
	mustHave("commitment", commitment)
	sum := sha256.Sum256(commitment)
	return sum[:]
}

// ValidateCommitment reports whether hash is the commitment hash of commitment.
func (m *MultiSig) ValidateCommitment(commitment, hash []byte) bool {
	mustHave("commitment", commitment)
	mustHave("commitment hash", hash)
	sum := sha256.Sum256(commitment)
	return bytes.Equal(sum[:], hash)
}

// AggregateCommitments sums the commitments selected by bitmap. A bitmap that
// selects nothing yields an empty result.
func (m *MultiSig) AggregateCommitments(commitments [][]byte, bitmap uint64) ([]byte, error) {
	mustHaveList("commitments", commitments)
	var sum secp256k1.JacobianPoint
	found := false
	for i, c := range commitments {
		if !selected(bitmap, i) {
			continue
		}
		p, err := decodePoint(c)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		if !found {
			sum = p
			found = true
			continue
		}
		sum = addPoints(&sum, &p)
	}
	if !found || isInfinity(&sum) {
		return []byte{}, nil
	}
	return encodePoint(&sum), nil
}

// Challenge computes c = SHA3-256(L' || Xi || R || m) mod N, where L' is the
// concatenation of the participating signers' keys in bitmap order.
func (m *MultiSig) Challenge(signers [][]byte, pub, aggCommitment, msg []byte, bitmap uint64) []byte {
	mustHaveList("signers", signers)
	mustHave("public key", pub)
	mustHave("aggregated commitment", aggCommitment)
	mustHave("message", msg)
	if bitmap == 0 {
		return []byte{}
	}
	c := challengeScalar(signers, pub, aggCommitment, msg, bitmap)
	out := c.Bytes()
	return out[:]
}

func challengeScalar(signers [][]byte, pub, aggCommitment, msg []byte, bitmap uint64) secp256k1.ModNScalar {
	h := sha3.New256()
	for i, s := range signers {
		if selected(bitmap, i) {
			h.Write(s)
		}
	}
	h.Write(pub)
	h.Write(aggCommitment)
	h.Write(msg)

	var c secp256k1.ModNScalar
	c.SetByteSlice(h.Sum(nil))
	return c
}

// SignatureShare computes s = r + c·x mod N.
func (m *MultiSig) SignatureShare(challenge, priv, secret []byte) []byte {
	mustHave("challenge", challenge)
	mustHave("private key", priv)
	mustHave("commitment secret", secret)
	c, ok1 := parseScalar(challenge)
	x, ok2 := parseScalar(priv)
	r, ok3 := parseScalar(secret)
	if !ok1 || !ok2 || !ok3 {
		panic("multisig: scalar out of range")
	}
	var s secp256k1.ModNScalar
	s.Mul2(&c, &x).Add(&r)
	out := s.Bytes()
	return out[:]
}

// VerifySignatureShare recomputes the signer's challenge and accepts iff
// s·G - c·Xi reconstructs the signer's own commitment.
func (m *MultiSig) VerifySignatureShare(signers [][]byte, pub, share, aggCommitment, commitment, msg []byte, bitmap uint64) bool {
	mustHaveList("signers", signers)
	mustHave("public key", pub)
	mustHave("signature share", share)
	mustHave("aggregated commitment", aggCommitment)
	mustHave("commitment", commitment)
	mustHave("message", msg)
	if bitmap == 0 {
		return false
	}

	X, err := decodePoint(pub)
	if err != nil {
		return false
	}
	R, err := decodePoint(commitment)
	if err != nil {
		return false
	}
	s, ok := parseScalar(share)
	if !ok {
		return false
	}
	c := challengeScalar(signers, pub, aggCommitment, msg, bitmap)

	var sG, negCX secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	c.Negate()
	secp256k1.ScalarMultNonConst(&c, &X, &negCX)
	R2 := addPoints(&sG, &negCX)
	if isInfinity(&R2) {
		return false
	}
	return equalPoints(&R2, &R)
}

// AggregateSignatures sums the shares selected by bitmap mod N.
func (m *MultiSig) AggregateSignatures(shares [][]byte, bitmap uint64) ([]byte, error) {
	mustHaveList("signature shares", shares)
	if bitmap == 0 {
		return []byte{}, nil
	}
	var sum secp256k1.ModNScalar
	for i, share := range shares {
		if !selected(bitmap, i) {
			continue
		}
		s, ok := parseScalar(share)
		if !ok {
			return nil, fmt.Errorf("signature share %d: %w", i, ErrMalformed)
		}
		sum.Add(&s)
	}
	out := sum.Bytes()
	return out[:], nil
}

// VerifyAggregatedSignature accepts iff s·G == R + Σ H1(L'||Xi||R||m)·Xi over
// the signers selected by bitmap.
func (m *MultiSig) VerifyAggregatedSignature(signers [][]byte, aggSig, aggCommitment, msg []byte, bitmap uint64) bool {
	mustHaveList("signers", signers)
	mustHave("aggregated signature", aggSig)
	mustHave("aggregated commitment", aggCommitment)
	mustHave("message", msg)
	if bitmap == 0 {
		return false
	}

	R, err := decodePoint(aggCommitment)
	if err != nil {
		return false
	}
	s, ok := parseScalar(aggSig)
	if !ok {
		return false
	}

	if len(signers) < 64 && bitmap>>uint(len(signers)) != 0 {
		return false
	}

	sum := R
	matched := 0
	for i, pub := range signers {
		if !selected(bitmap, i) {
			continue
		}
		matched++
		X, err := decodePoint(pub)
		if err != nil {
			return false
		}
		c := challengeScalar(signers, pub, aggCommitment, msg, bitmap)
		var cX secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&c, &X, &cX)
		sum = addPoints(&sum, &cX)
	}
	if matched == 0 || isInfinity(&sum) {
		return false
	}

	var sG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	if isInfinity(&sG) {
		return false
	}
	return equalPoints(&sG, &sum)
}

func selected(bitmap uint64, i int) bool {
	return i < 64 && bitmap&(1<<uint(i)) != 0
}

// parseScalar accepts big-endian integers of at most 32 bytes below N.
func parseScalar(b []byte) (secp256k1.ModNScalar, bool) {
	var k secp256k1.ModNScalar
	if len(b) > ScalarSize {
		return k, false
	}
	var buf [ScalarSize]byte
	copy(buf[ScalarSize-len(b):], b)
	overflow := k.SetBytes(&buf)
	return k, overflow == 0
}

func decodePoint(b []byte) (secp256k1.JacobianPoint, error) {
	var p secp256k1.JacobianPoint
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pub.AsJacobian(&p)
	return p, nil
}

func addPoints(a, b *secp256k1.JacobianPoint) secp256k1.JacobianPoint {
	var r secp256k1.JacobianPoint
	secp256k1.AddNonConst(a, b, &r)
	return r
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}

func encodePoint(p *secp256k1.JacobianPoint) []byte {
	a := *p
	a.ToAffine()
	return secp256k1.NewPublicKey(&a.X, &a.Y).SerializeCompressed()
}

func equalPoints(a, b *secp256k1.JacobianPoint) bool {
	return bytes.Equal(encodePoint(a), encodePoint(b))
}

func mustHave(name string, b []byte) {
	if len(b) == 0 {
		panic("multisig: " + name + " is empty")
	}
}

func mustHaveList(name string, l [][]byte) {
	if len(l) == 0 {
		panic("multisig: " + name + " is empty")
	}
	for i, b := range l {
		if len(b) == 0 {
			panic(fmt.Sprintf("multisig: %s[%d] is empty", name, i))
		}
	}
}
