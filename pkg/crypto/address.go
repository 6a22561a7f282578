package crypto

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrAddressFormat   = errors.New("address must be 40 hex characters")
	ErrAddressChecksum = errors.New("address checksum mismatch")
)

// ParseAddress parses a hex account address. All-lower and all-upper input
// is taken as is; mixed case must carry a valid EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(body)
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, ErrAddressFormat
	}
	addr := common.BytesToAddress(raw)
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return addr, nil
	}
	if Checksummed(addr)[2:] != body {
		return common.Address{}, ErrAddressChecksum
	}
	return addr, nil
}

// Checksummed renders addr in EIP-55 mixed case.
func Checksummed(addr common.Address) string {
	lower := hex.EncodeToString(addr[:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	hash := h.Sum(nil)

	out := []byte("0x" + lower)
	for i, c := range []byte(lower) {
		if c < 'a' {
			continue
		}
		// i>>1 picks the hash byte, even i the high nibble.
		nibble := hash[i>>1] & 0x0f
		if i%2 == 0 {
			nibble = hash[i>>1] >> 4
		}
		if nibble >= 8 {
			out[2+i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
