package ledger

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"superpeer/pkg/channel"
)

func testTxSigner(t *testing.T) *channel.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return channel.NewSignerFromKey(priv, "test")
}

func TestSignedTxRoundTrip(t *testing.T) {
	signer := testTxSigner(t)
	tx := &RawTx{
		Nonce:    9,
		To:       "0x00aa",
		Value:    "0",
		Data:     "0xdeadbeef",
		GasPrice: 1,
		GasLimit: 90_000,
		ChainID:  15,
	}

	blob, err := EncodeSignedTx(tx, signer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(blob, "0x") {
		t.Fatalf("blob %q not hex-prefixed", blob[:8])
	}

	decoded, from, err := DecodeSignedTx(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if from != signer.Address() {
		t.Fatalf("recovered signer %s, want %s", from, signer.Address())
	}
	if *decoded != *tx {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, tx)
	}
}

func TestDecodeSignedTxRejectsTampering(t *testing.T) {
	signer := testTxSigner(t)
	blob, err := EncodeSignedTx(&RawTx{Nonce: 1, To: "0x01", Value: "5", ChainID: 15}, signer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flip one nibble in the payload.
	tampered := []byte(blob)
	i := len(tampered) - 3
	if tampered[i] == 'f' {
		tampered[i] = '0'
	} else {
		tampered[i] = 'f'
	}
	if _, _, err := DecodeSignedTx(string(tampered)); err == nil {
		t.Fatal("tampered blob accepted")
	}

	if _, _, err := DecodeSignedTx("0xzz"); err == nil {
		t.Fatal("non-hex blob accepted")
	}
	if _, _, err := DecodeSignedTx("0x"); err == nil {
		t.Fatal("empty blob accepted")
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	signer := testTxSigner(t)
	tx := &RawTx{Nonce: 3, To: "0x02", Value: "10", ChainID: 15}

	a, err := EncodeSignedTx(tx, signer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeSignedTx(tx, signer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if a != b {
		t.Fatal("identical transactions produced different blobs")
	}
}
