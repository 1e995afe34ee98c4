package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"superpeer/pkg/channel"
)

const wordSize = 32

// Contract call selectors, first four bytes of the Keccak-256 of the
// canonical method signature.
func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

var (
	selBalanceOf = selector("balanceOf(bytes32)")
	selChannels  = selector("channels(bytes32)")
	selClose     = selector("cooperativeClose(bytes32,uint256,bytes,bytes)")
	selApprove   = selector("approve(bytes32,uint256)")
	selCreate    = selector("createChannel(bytes32,uint256)")
)

// callData assembles selector-prefixed, word-aligned call data
type callData struct {
	buf []byte
}

func newCallData(sel []byte) *callData {
	return &callData{buf: append([]byte(nil), sel...)}
}

func (c *callData) word(raw []byte) *callData {
	padded := make([]byte, wordSize)
	copy(padded[wordSize-len(raw):], raw)
	c.buf = append(c.buf, padded...)
	return c
}

func (c *callData) uint256(v *big.Int) *callData {
	return c.word(v.Bytes())
}

// bytesArg appends a length-prefixed, word-padded dynamic byte argument.
// Offsets are fixed by the two call shapes used here, so the builder takes
// pre-computed offsets rather than implementing general dynamic encoding.
func (c *callData) bytesArg(raw []byte) *callData {
	c.word(big.NewInt(int64(len(raw))).Bytes())
	padded := ((len(raw) + wordSize - 1) / wordSize) * wordSize
	block := make([]byte, padded)
	copy(block, raw)
	c.buf = append(c.buf, block...)
	return c
}

func (c *callData) hex() string {
	return "0x" + hex.EncodeToString(c.buf)
}

// balanceOfData encodes a token balance read for an address
func balanceOfData(addr channel.Address) (string, error) {
	raw, err := addr.Bytes()
	if err != nil {
		return "", err
	}
	return newCallData(selBalanceOf).word(raw).hex(), nil
}

// channelsData encodes a channel-struct read by identity
func channelsData(id channel.ID) string {
	return newCallData(selChannels).word(id[:]).hex()
}

// approveData encodes a token allowance approval for spender
func approveData(spender string, amount *big.Int) (string, error) {
	raw, err := hexAddressBytes(spender)
	if err != nil {
		return "", err
	}
	return newCallData(selApprove).word(raw).uint256(amount).hex(), nil
}

// createChannelData encodes channel creation toward payee
func createChannelData(payee channel.Address, deposit *big.Int) (string, error) {
	raw, err := payee.Bytes()
	if err != nil {
		return "", err
	}
	return newCallData(selCreate).word(raw).uint256(deposit).hex(), nil
}

func hexAddressBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad contract address %q: %w", s, err)
	}
	if len(raw) == 0 || len(raw) > wordSize {
		return nil, fmt.Errorf("bad contract address length %d", len(raw))
	}
	return raw, nil
}

// closeData encodes the cooperative-close call: identity, agreed balance,
// then the balance and closing attestation signatures as dynamic bytes.
func closeData(id channel.ID, balance *big.Int, balanceSig, closingSig []byte) string {
	c := newCallData(selClose)
	c.word(id[:])
	c.uint256(balance)
	// Head words: offsets of the two dynamic args, measured from the start
	// of the argument block (4 words of head).
	firstOffset := 4 * wordSize
	secondOffset := firstOffset + wordSize + paddedLen(balanceSig)
	c.uint256(big.NewInt(int64(firstOffset)))
	c.uint256(big.NewInt(int64(secondOffset)))
	c.bytesArg(balanceSig)
	c.bytesArg(closingSig)
	return c.hex()
}

func paddedLen(raw []byte) int {
	return ((len(raw) + wordSize - 1) / wordSize) * wordSize
}

// decodeChannelWords parses the channels() return data: five words
// (payer key, payee key, deposit, open block, payee balance).
func decodeChannelWords(resultHex string) (*channel.PaymentChannel, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("channel words: %w", err)
	}
	if len(raw) < 5*wordSize {
		return nil, fmt.Errorf("channel words: short result (%d bytes)", len(raw))
	}

	allZero := true
	for _, b := range raw[:5*wordSize] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, channel.ErrChannelNotFound
	}

	payer := channel.Address("0x" + hex.EncodeToString(raw[0:wordSize]))
	payee := channel.Address("0x" + hex.EncodeToString(raw[wordSize:2*wordSize]))
	deposit := new(big.Int).SetBytes(raw[2*wordSize : 3*wordSize])
	openBlock := new(big.Int).SetBytes(raw[3*wordSize : 4*wordSize])
	payeeBalance := new(big.Int).SetBytes(raw[4*wordSize : 5*wordSize])

	return &channel.PaymentChannel{
		Payer:        payer,
		Payee:        payee,
		Deposit:      deposit,
		OpenBlock:    openBlock.Uint64(),
		PayeeBalance: payeeBalance,
		State:        channel.StateOpen,
	}, nil
}

// parseHexQuantity parses an RPC hex quantity ("0x1a") into a big.Int
func parseHexQuantity(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty quantity")
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("bad hex quantity %q", s)
	}
	return v, nil
}
