package protocol

import (
	"crypto/ed25519"
	"errors"
	"math/big"
	"testing"

	"superpeer/pkg/channel"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	env := &Envelope{
		Method: MethodActiveBalanceUpdate,
		Request: Request{
			BalanceValue: "123456789",
			BalanceSig:   []byte{1, 2, 3},
		},
	}
	data, err := c.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Method != env.Method || out.Request.BalanceValue != env.Request.BalanceValue {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if string(out.Request.BalanceSig) != string(env.Request.BalanceSig) {
		t.Fatal("signature bytes lost")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	c := newTestCodec(t)

	cases := map[string][]byte{
		"empty":     nil,
		"not cbor":  []byte("{\"method\":\"getAll\"}"),
		"truncated": {0xa2, 0x66},
	}
	for name, data := range cases {
		if _, err := c.DecodeEnvelope(data); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: want ErrDecode, got %v", name, err)
		}
	}
}

func TestDecodeEnvelopeRequiresMethod(t *testing.T) {
	c := newTestCodec(t)
	data, err := c.EncodeEnvelope(&Envelope{Request: Request{BalanceValue: "1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.DecodeEnvelope(data); !errors.Is(err, ErrDecode) {
		t.Fatalf("want ErrDecode for missing method, got %v", err)
	}
}

func TestEncodeEnvelopeSizeCap(t *testing.T) {
	cfg := DefaultCodecConfig()
	cfg.MaxRequestSize = 64
	c, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	env := &Envelope{
		Method:  MethodOpenChannelToSP,
		Request: Request{SignedOpenTx: string(make([]byte, 256))},
	}
	if _, err := c.EncodeEnvelope(env); !errors.Is(err, ErrDecode) {
		t.Fatalf("oversize encode should fail, got %v", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	resp := OkResponse(MethodGetAll)
	resp.Nonce = "7"
	resp.TokenBalance = "5000"
	resp.Inbound = &WireChannel{
		Sender:       "0xaa",
		Receiver:     "0xbb",
		InitDeposit:  "100",
		PayeeBalance: "40",
		OpenBlockNum: 12,
	}

	data, err := c.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.DecodeResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != StatusOK || out.Inbound == nil || out.Inbound.PayeeBalance != "40" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Outbound != nil {
		t.Fatal("absent channel decoded as present")
	}
}

func TestVerifyBalanceAttestation(t *testing.T) {
	c := newTestCodec(t)
	_, payerKey, _ := ed25519.GenerateKey(nil)
	_, payeeKey, _ := ed25519.GenerateKey(nil)
	payer := channel.NewSignerFromKey(payerKey, "payer")
	payee := channel.NewSignerFromKey(payeeKey, "payee")

	balance := big.NewInt(77)
	sig := payer.SignBalanceAttestation(payee.Address(), balance)

	if !c.VerifyBalanceAttestation(sig, payer.Address(), payee.Address(), balance) {
		t.Fatal("valid attestation rejected")
	}
	// Second call hits the cache and must agree.
	if !c.VerifyBalanceAttestation(sig, payer.Address(), payee.Address(), balance) {
		t.Fatal("memoized attestation rejected")
	}
	if c.VerifyBalanceAttestation(sig, payer.Address(), payee.Address(), big.NewInt(78)) {
		t.Fatal("attestation accepted for the wrong balance")
	}
	if c.VerifyBalanceAttestation(sig, payee.Address(), payer.Address(), balance) {
		t.Fatal("attestation accepted for swapped parties")
	}
}

func TestParseBalance(t *testing.T) {
	if v, err := ParseBalance("0"); err != nil || v.Sign() != 0 {
		t.Fatalf("zero: %v %v", v, err)
	}
	if v, err := ParseBalance("340282366920938463463374607431768211456"); err != nil || v.BitLen() != 129 {
		t.Fatalf("big value: %v %v", v, err)
	}
	for _, bad := range []string{"", "-1", "0x10", "1.5", "ten"} {
		if _, err := ParseBalance(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
