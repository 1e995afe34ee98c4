package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"superpeer/pkg/channel"
)

// RawTx is the ledger transaction shape this node submits. The serialized
// form is deterministic CBOR so the signature covers a stable byte string.
type RawTx struct {
	Nonce    uint64 `cbor:"1,keyasint"`
	To       string `cbor:"2,keyasint"`
	Value    string `cbor:"3,keyasint"` // decimal string, avoids CBOR bignum variance
	Data     string `cbor:"4,keyasint"` // 0x-prefixed call data
	GasPrice uint64 `cbor:"5,keyasint"`
	GasLimit uint64 `cbor:"6,keyasint"`
	ChainID  uint64 `cbor:"7,keyasint"`
}

// signedTxEnvelope wraps a serialized RawTx with its signature and the
// signer's public key.
type signedTxEnvelope struct {
	Tx     []byte `cbor:"1,keyasint"`
	Sig    []byte `cbor:"2,keyasint"`
	Pubkey []byte `cbor:"3,keyasint"`
}

var txEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: tx enc mode: %v", err))
	}
	txEncMode = mode
}

// TxSigner signs serialized transactions for submission.
type TxSigner interface {
	Address() channel.Address
	PublicKey() []byte
	SignRawTx(txBytes []byte) []byte
}

// EncodeSignedTx serializes tx, signs it, and returns the hex submission
// blob for eth_sendRawTransaction.
func EncodeSignedTx(tx *RawTx, signer TxSigner) (string, error) {
	txBytes, err := txEncMode.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encode tx: %w", err)
	}
	envelope := signedTxEnvelope{
		Tx:     txBytes,
		Sig:    signer.SignRawTx(txBytes),
		Pubkey: signer.PublicKey(),
	}
	envBytes, err := txEncMode.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode tx envelope: %w", err)
	}
	return "0x" + hex.EncodeToString(envBytes), nil
}

// DecodeSignedTx parses a submission blob back into its transaction,
// verifying the embedded signature. Used to sanity-check client-supplied
// pre-signed payloads before forwarding them to the ledger.
func DecodeSignedTx(signedTxHex string) (*RawTx, channel.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signedTxHex, "0x"))
	if err != nil {
		return nil, "", fmt.Errorf("decode tx hex: %w", err)
	}
	var envelope signedTxEnvelope
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		return nil, "", fmt.Errorf("decode tx envelope: %w", err)
	}
	signerAddr := channel.Address("0x" + hex.EncodeToString(envelope.Pubkey))
	if !channel.Verify(envelope.Sig, signerAddr, channel.RawTxPayload(envelope.Tx)) {
		return nil, "", fmt.Errorf("tx signature invalid")
	}
	var tx RawTx
	if err := cbor.Unmarshal(envelope.Tx, &tx); err != nil {
		return nil, "", fmt.Errorf("decode tx body: %w", err)
	}
	return &tx, signerAddr, nil
}
