package mesh

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"superpeer/pkg/channel"
)

// The mesh identity and the settlement identity are the same Ed25519 key.
// Ed25519 public keys are embedded verbatim in libp2p peer IDs, so the
// settlement address of any authenticated stream can be recovered from the
// remote peer ID alone; no extra handshake or address claim is needed.

// identityFromSeed builds the libp2p private key from the signer's seed.
func identityFromSeed(seed []byte) (crypto.PrivKey, peer.ID, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("mesh: identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	std := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, "", fmt.Errorf("mesh: identity key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("mesh: peer id: %w", err)
	}
	return priv, pid, nil
}

// AddressFromPeer recovers the settlement address embedded in a peer ID.
func AddressFromPeer(p peer.ID) (channel.Address, error) {
	pub, err := p.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("mesh: peer %s carries no extractable key: %w", p, err)
	}
	if pub.Type() != crypto.Ed25519 {
		return "", fmt.Errorf("mesh: peer %s key type %s is not ed25519", p, pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", fmt.Errorf("mesh: peer %s key bytes: %w", p, err)
	}
	return channel.ParseAddress("0x" + hex.EncodeToString(raw))
}

// PeerFromAddress derives the peer ID a settlement address dials as.
func PeerFromAddress(addr channel.Address) (peer.ID, error) {
	raw, err := addr.Bytes()
	if err != nil {
		return "", err
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("mesh: address %s is not an ed25519 key: %w", addr, err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("mesh: peer id for %s: %w", addr, err)
	}
	return pid, nil
}
