package channel

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Domain-separation prefixes. Balance and closing attestations commit to
// the same value but must never be interchangeable, so each payload form
// carries its own prefix.
const (
	domainIdentity = "superpeer.channel.identity.v1\x00"
	domainBalance  = "superpeer.channel.balance.v1\x00"
	domainClosing  = "superpeer.channel.closing.v1\x00"
	domainRawTx    = "superpeer.ledger.tx.v1\x00"
	domainEvent    = "superpeer.event.v1\x00"
)

// Identity derives the channel identity for the ordered (payer, payee)
// pair: Keccak-256 over the domain prefix and both raw address keys.
func Identity(payer, payee Address) (ID, error) {
	payerRaw, err := payer.Bytes()
	if err != nil {
		return ID{}, err
	}
	payeeRaw, err := payee.Bytes()
	if err != nil {
		return ID{}, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(domainIdentity))
	h.Write(payerRaw)
	h.Write(payeeRaw)
	var id ID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// BalancePayload is the byte string a balance attestation signs: the payer
// commits that payee's cumulative balance is balance.
func BalancePayload(payee Address, balance *big.Int) []byte {
	return attestationPayload(domainBalance, payee, balance)
}

// ClosingPayload is the byte string a closing attestation signs.
func ClosingPayload(payer Address, balance *big.Int) []byte {
	return attestationPayload(domainClosing, payer, balance)
}

// RawTxPayload is the byte string signed over a serialized ledger
// transaction before submission.
func RawTxPayload(txBytes []byte) []byte {
	out := make([]byte, 0, len(domainRawTx)+len(txBytes))
	out = append(out, domainRawTx...)
	return append(out, txBytes...)
}

// EventPayload is the byte string signed over a serialized settlement
// event before it is published downstream.
func EventPayload(eventBytes []byte) []byte {
	out := make([]byte, 0, len(domainEvent)+len(eventBytes))
	out = append(out, domainEvent...)
	return append(out, eventBytes...)
}

func attestationPayload(domain string, counterpart Address, balance *big.Int) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(domain))
	h.Write([]byte(counterpart))
	h.Write(balance.Bytes())
	return h.Sum(nil)
}

// Verify checks sig over payload against the Ed25519 key behind the
// expected signer address.
func Verify(sig []byte, expectedSigner Address, payload []byte) bool {
	raw, err := expectedSigner.Bytes()
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(raw), payload, sig)
}

// SignerConfig holds key material configuration for the local node.
type SignerConfig struct {
	KeyPath string
	KeyID   string
}

// Signer produces the local node's attestation and transaction signatures.
type Signer struct {
	keyID   string
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	address Address
}

// NewSigner loads an Ed25519 key from a PKCS#8 PEM file.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if strings.TrimSpace(cfg.KeyPath) == "" {
		return nil, fmt.Errorf("signer: key path is required")
	}
	pemData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to read key: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("signer: invalid PEM encoding in %s", cfg.KeyPath)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to parse PKCS#8 key: %w", err)
	}
	privKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signer: key is not Ed25519: %T", parsedKey)
	}
	return newSignerFromKey(privKey, cfg.KeyID), nil
}

// NewSignerFromKey wraps an in-memory key; used by tests and key rotation.
func NewSignerFromKey(privKey ed25519.PrivateKey, keyID string) *Signer {
	return newSignerFromKey(privKey, keyID)
}

func newSignerFromKey(privKey ed25519.PrivateKey, keyID string) *Signer {
	pubKey := privKey.Public().(ed25519.PublicKey)
	if keyID == "" {
		keyID = "local"
	}
	return &Signer{
		keyID:   keyID,
		privKey: privKey,
		pubKey:  pubKey,
		address: Address("0x" + hex.EncodeToString(pubKey)),
	}
}

// Address returns the settlement address derived from the public key
func (s *Signer) Address() Address { return s.address }

// KeyID returns the configured key identifier
func (s *Signer) KeyID() string { return s.keyID }

// Seed returns a copy of the private key seed. The mesh transport derives
// its wire identity from it so the network peer ID and the settlement
// address are provably the same party.
func (s *Signer) Seed() []byte {
	seed := s.privKey.Seed()
	out := make([]byte, len(seed))
	copy(out, seed)
	return out
}

// PublicKey returns a copy of the public key bytes
func (s *Signer) PublicKey() []byte {
	pk := make([]byte, len(s.pubKey))
	copy(pk, s.pubKey)
	return pk
}

// SignBalanceAttestation signs a payer commitment to payee's cumulative
// balance. Only valid when the local node is the payer of the channel.
func (s *Signer) SignBalanceAttestation(payee Address, balance *big.Int) []byte {
	return ed25519.Sign(s.privKey, BalancePayload(payee, balance))
}

// SignClosingAttestation signs the local party's counter-commitment
// required by the cooperative close call.
func (s *Signer) SignClosingAttestation(payer Address, balance *big.Int) []byte {
	return ed25519.Sign(s.privKey, ClosingPayload(payer, balance))
}

// SignRawTx signs a serialized ledger transaction for submission.
func (s *Signer) SignRawTx(txBytes []byte) []byte {
	return ed25519.Sign(s.privKey, RawTxPayload(txBytes))
}

// SignEvent signs a serialized settlement event for publication.
func (s *Signer) SignEvent(eventBytes []byte) []byte {
	return ed25519.Sign(s.privKey, EventPayload(eventBytes))
}
