package channel

import (
	"crypto/ed25519"
	"math/big"
	"testing"
)

func testSigner(t *testing.T, keyID string) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewSignerFromKey(priv, keyID)
}

func TestIdentityIsDirectional(t *testing.T) {
	a := testSigner(t, "a").Address()
	b := testSigner(t, "b").Address()

	ab, err := Identity(a, b)
	if err != nil {
		t.Fatalf("identity a->b: %v", err)
	}
	ba, err := Identity(b, a)
	if err != nil {
		t.Fatalf("identity b->a: %v", err)
	}
	if ab == ba {
		t.Fatal("opposite directions must have distinct identities")
	}

	again, _ := Identity(a, b)
	if ab != again {
		t.Fatal("identity must be deterministic")
	}
}

func TestAttestationDomainsNotInterchangeable(t *testing.T) {
	payer := testSigner(t, "payer")
	payee := testSigner(t, "payee")
	balance := big.NewInt(42)

	sig := payer.SignBalanceAttestation(payee.Address(), balance)
	if !Verify(sig, payer.Address(), BalancePayload(payee.Address(), balance)) {
		t.Fatal("balance attestation should verify against its own payload")
	}
	if Verify(sig, payer.Address(), ClosingPayload(payee.Address(), balance)) {
		t.Fatal("balance signature must not verify as a closing attestation")
	}
	if Verify(sig, payee.Address(), BalancePayload(payee.Address(), balance)) {
		t.Fatal("signature must not verify against a different signer")
	}
	if Verify(sig, payer.Address(), BalancePayload(payee.Address(), big.NewInt(43))) {
		t.Fatal("signature must not verify for a different balance")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	payer := testSigner(t, "payer")
	payload := BalancePayload(payer.Address(), big.NewInt(1))

	if Verify(nil, payer.Address(), payload) {
		t.Fatal("nil signature accepted")
	}
	if Verify([]byte{1, 2, 3}, payer.Address(), payload) {
		t.Fatal("short signature accepted")
	}
	if Verify(make([]byte, ed25519.SignatureSize), "0xzz", payload) {
		t.Fatal("bad address accepted")
	}
}

func TestParseAddress(t *testing.T) {
	s := testSigner(t, "a")
	upper := "0X" + string(s.Address()[2:])
	parsed, err := ParseAddress(upper)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != s.Address() {
		t.Fatalf("normalization mismatch: %s vs %s", parsed, s.Address())
	}

	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatal("short address accepted")
	}
	if _, err := ParseAddress(""); err == nil {
		t.Fatal("empty address accepted")
	}
}
