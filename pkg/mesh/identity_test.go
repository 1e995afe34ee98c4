package mesh

import (
	"crypto/ed25519"
	"testing"

	"superpeer/pkg/channel"
)

func TestPeerIDRoundTripsSettlementAddress(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := channel.NewSignerFromKey(priv, "test")

	_, pid, err := identityFromSeed(priv.Seed())
	if err != nil {
		t.Fatalf("identity from seed: %v", err)
	}

	// The peer ID inlines the Ed25519 key, so the settlement address is
	// recoverable from the wire identity alone.
	addr, err := AddressFromPeer(pid)
	if err != nil {
		t.Fatalf("address from peer: %v", err)
	}
	if addr != signer.Address() {
		t.Fatalf("address %s, want %s", addr, signer.Address())
	}

	back, err := PeerFromAddress(addr)
	if err != nil {
		t.Fatalf("peer from address: %v", err)
	}
	if back != pid {
		t.Fatalf("peer id %s, want %s", back, pid)
	}
}

func TestPeerFromAddressRejectsMalformed(t *testing.T) {
	if _, err := PeerFromAddress(channel.Address("0xzz")); err == nil {
		t.Fatal("bad hex accepted")
	}
	if _, err := PeerFromAddress(channel.Address("0x1234")); err == nil {
		t.Fatal("short key accepted")
	}
}
