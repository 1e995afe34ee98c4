package channel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrChannelNotFound marks a ledger read that found no channel for an
	// identity. Callers treat it as a signal to open on demand, not a fault.
	ErrChannelNotFound = errors.New("channel: not found on ledger")

	ErrAttestationMismatch = errors.New("channel: balance and closing attestations disagree")
	ErrInvalidAddress      = errors.New("channel: invalid address")
	ErrDepositCeiling      = errors.New("channel: deposit exceeds configured ceiling")
)

// Address identifies a settlement party: 0x-prefixed hex of a 32-byte
// Ed25519 public key.
type Address string

const addressByteLen = 32

// ParseAddress validates and normalizes an address string
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != addressByteLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address("0x" + trimmed), nil
}

// Bytes returns the raw public key bytes behind the address
func (a Address) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(a), "0x"))
	if err != nil || len(raw) != addressByteLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, string(a))
	}
	return raw, nil
}

func (a Address) String() string { return string(a) }

// ID is the deterministic channel identity derived from the ordered
// (payer, payee) pair. It keys both the local cache and the on-ledger
// channel slot. (payer, payee) and (payee, payer) hash differently, one
// per direction.
type ID [32]byte

func (id ID) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

// State tracks where a channel is in its life.
type State int

const (
	StateAbsent State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role says which side of a channel the local node plays when closing it.
type Role int

const (
	RolePayer Role = iota
	RolePayee
)

func (r Role) String() string {
	if r == RolePayer {
		return "payer"
	}
	return "payee"
}

// Attestation binds a signature to the cumulative balance value it commits
// to. The balance attestation is payer-signed; the closing attestation is
// signed by the local party.
type Attestation struct {
	Sig     []byte
	Balance *big.Int
}

// Clone returns a deep copy
func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}
	sig := make([]byte, len(a.Sig))
	copy(sig, a.Sig)
	return &Attestation{Sig: sig, Balance: new(big.Int).Set(a.Balance)}
}

// AttestationPair holds the most recent balance/closing attestations for
// one channel. A cooperative close may only be submitted once both commit
// to the same balance value.
type AttestationPair struct {
	Balance *Attestation
	Closing *Attestation
}

// Aligned reports whether both attestations are present and commit to the
// same balance value.
func (p *AttestationPair) Aligned() bool {
	return p != nil && p.Balance != nil && p.Closing != nil &&
		p.Balance.Balance.Cmp(p.Closing.Balance) == 0
}

// PaymentChannel is the cached view of one on-ledger channel instance plus
// the local node's outstanding attestations. The ledger stays authoritative
// for deposit, open block and existence; the local node is authoritative
// only for attestations it signed.
type PaymentChannel struct {
	Payer        Address
	Payee        Address
	Deposit      *big.Int
	OpenBlock    uint64
	PayeeBalance *big.Int
	Attestations AttestationPair
	State        State
}

// Clone returns a deep copy safe to hand outside the store's lock
func (c *PaymentChannel) Clone() *PaymentChannel {
	if c == nil {
		return nil
	}
	out := &PaymentChannel{
		Payer:     c.Payer,
		Payee:     c.Payee,
		OpenBlock: c.OpenBlock,
		State:     c.State,
	}
	if c.Deposit != nil {
		out.Deposit = new(big.Int).Set(c.Deposit)
	}
	if c.PayeeBalance != nil {
		out.PayeeBalance = new(big.Int).Set(c.PayeeBalance)
	}
	out.Attestations.Balance = c.Attestations.Balance.Clone()
	out.Attestations.Closing = c.Attestations.Closing.Clone()
	return out
}
