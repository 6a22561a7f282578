package p2p

import (
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerIDFromPublicKey derives the peer identifier of a node from its
// compressed secp256k1 key, so the signing roster doubles as the peer roster.
func PeerIDFromPublicKey(compressed []byte) (string, error) {
	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(compressed)
	if err != nil {
		return "", fmt.Errorf("invalid node key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func identityFromPrivateKey(priv []byte) (libp2pcrypto.PrivKey, error) {
	k, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	return k, nil
}
