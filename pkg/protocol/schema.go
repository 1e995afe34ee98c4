package protocol

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"superpeer/pkg/channel"
)

// Request methods. Every inbound mesh message carries one of these as its
// discriminant; anything else is logged and ignored.
const (
	MethodGetAll                = "getAll"
	MethodOpenChannelToSP       = "openChannelToSuperpeer"
	MethodActiveBalanceUpdate   = "activeBalanceUpdate"
	MethodCloseClientToSP       = "closeClientToSuperpeer"
	MethodCloseSPToClient       = "closeSuperpeerToClient"
)

// Response statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the outer wire record for a request.
type Envelope struct {
	Method  string  `cbor:"method"`
	Request Request `cbor:"request"`
}

// Request carries the union of per-method fields. Balance values travel as
// decimal strings; signatures and pre-signed transactions as raw bytes and
// hex blobs respectively.
type Request struct {
	SignedApproveTx string `cbor:"signedApproveTx,omitempty"`
	SignedOpenTx    string `cbor:"signedOpenTx,omitempty"`
	SignedCloseTx   string `cbor:"signedCloseTx,omitempty"`
	ZeroBalanceSig  []byte `cbor:"zeroBalanceSig,omitempty"`

	BalanceValue string `cbor:"balanceValue,omitempty"`
	BalanceSig   []byte `cbor:"balanceSig,omitempty"`

	// Pull side of balance reconciliation: the closing attestation value
	// the sender already holds, if any.
	ClosingValue string `cbor:"closingValue,omitempty"`
	ClosingSig   []byte `cbor:"closingSig,omitempty"`
}

// Response is the outer wire record for a reply. Every request produces
// exactly one: ok with payload fields, or error with a message.
type Response struct {
	Status  string `cbor:"status"`
	Method  string `cbor:"method"`
	Message string `cbor:"message,omitempty"`

	Nonce        string `cbor:"nonce,omitempty"`
	EtherBalance string `cbor:"etherBalance,omitempty"`
	TokenBalance string `cbor:"tokenBalance,omitempty"`

	// Channel snapshots from the superpeer's perspective: Inbound is the
	// client->superpeer channel, Outbound the superpeer->client one.
	Inbound  *WireChannel `cbor:"inbound,omitempty"`
	Outbound *WireChannel `cbor:"outbound,omitempty"`

	ClosingValue string `cbor:"closingValue,omitempty"`
	ClosingSig   []byte `cbor:"closingSig,omitempty"`
}

// WireChannel is the serialized channel struct shared with peers.
type WireChannel struct {
	Sender                    string `cbor:"sender"`
	Receiver                  string `cbor:"receiver"`
	InitDeposit               string `cbor:"initDeposit"`
	OpenBlockNum              uint64 `cbor:"openBlockNum"`
	PayeeBalance              string `cbor:"payeeBalance"`
	LastBalanceAttestationSig string `cbor:"lastBalanceAttestationSig,omitempty"`
}

// WireChannelFrom converts a cached channel into its wire form
func WireChannelFrom(ch *channel.PaymentChannel) *WireChannel {
	if ch == nil {
		return nil
	}
	out := &WireChannel{
		Sender:       ch.Payer.String(),
		Receiver:     ch.Payee.String(),
		OpenBlockNum: ch.OpenBlock,
		InitDeposit:  "0",
		PayeeBalance: "0",
	}
	if ch.Deposit != nil {
		out.InitDeposit = ch.Deposit.String()
	}
	if ch.PayeeBalance != nil {
		out.PayeeBalance = ch.PayeeBalance.String()
	}
	if ch.Attestations.Balance != nil {
		out.LastBalanceAttestationSig = hex.EncodeToString(ch.Attestations.Balance.Sig)
	}
	return out
}

// OkResponse builds a success reply skeleton for method
func OkResponse(method string) *Response {
	return &Response{Status: StatusOK, Method: method}
}

// ErrorResponse builds an error reply for method
func ErrorResponse(method, message string) *Response {
	return &Response{Status: StatusError, Method: method, Message: message}
}

// ParseBalance parses a decimal wire balance
func ParseBalance(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("protocol: bad balance value %q", s)
	}
	return v, nil
}
