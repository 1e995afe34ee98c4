package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"superpeer/pkg/channel"
)

// ErrDecode marks a malformed inbound message. Handlers drop these and log;
// no response is sent since the sender cannot be trusted from garbage.
var ErrDecode = errors.New("protocol: malformed message")

// CodecConfig contains wire-format security parameters.
type CodecConfig struct {
	MaxRequestSize  int
	MaxResponseSize int
	VerifyCacheSize int
	VerifyCacheTTL  time.Duration
}

// DefaultCodecConfig returns secure defaults
func DefaultCodecConfig() *CodecConfig {
	return &CodecConfig{
		MaxRequestSize:  64 << 10, // 64 KB, largest request carries two signed txs
		MaxResponseSize: 64 << 10,
		VerifyCacheSize: 10000,
		VerifyCacheTTL:  5 * time.Minute,
	}
}

// Codec serializes protocol messages as canonical CBOR with size caps, and
// memoizes attestation signature verification.
type Codec struct {
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	config      *CodecConfig
	verifyCache *expirable.LRU[string, bool]
}

// NewCodec creates a codec
func NewCodec(config *CodecConfig) (*Codec, error) {
	if config == nil {
		config = DefaultCodecConfig()
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("protocol: encoder mode: %w", err)
	}

	// Lenient on unknown fields for forward compatibility, strict on
	// structural abuse.
	decMode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxMapPairs:     256,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("protocol: decoder mode: %w", err)
	}

	return &Codec{
		encMode:     encMode,
		decMode:     decMode,
		config:      config,
		verifyCache: expirable.NewLRU[string, bool](config.VerifyCacheSize, nil, config.VerifyCacheTTL),
	}, nil
}

// EncodeEnvelope serializes a request envelope
func (c *Codec) EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := c.encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(data) > c.config.MaxRequestSize {
		return nil, fmt.Errorf("%w: request size %d exceeds limit %d", ErrDecode, len(data), c.config.MaxRequestSize)
	}
	return data, nil
}

// DecodeEnvelope parses an inbound request envelope
func (c *Codec) DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 || len(data) > c.config.MaxRequestSize {
		return nil, fmt.Errorf("%w: size %d out of bounds", ErrDecode, len(data))
	}
	var env Envelope
	if err := c.decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrDecode)
	}
	return &env, nil
}

// EncodeResponse serializes a reply
func (c *Codec) EncodeResponse(resp *Response) ([]byte, error) {
	data, err := c.encMode.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(data) > c.config.MaxResponseSize {
		return nil, fmt.Errorf("%w: response size %d exceeds limit %d", ErrDecode, len(data), c.config.MaxResponseSize)
	}
	return data, nil
}

// DecodeResponse parses a reply; used by tests and outbound notifications
func (c *Codec) DecodeResponse(data []byte) (*Response, error) {
	if len(data) == 0 || len(data) > c.config.MaxResponseSize {
		return nil, fmt.Errorf("%w: size %d out of bounds", ErrDecode, len(data))
	}
	var resp Response
	if err := c.decMode.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &resp, nil
}

// VerifyAttestation checks an attestation signature with memoization, so
// repeated updates carrying the same signature skip the curve math.
func (c *Codec) VerifyAttestation(sig []byte, signer channel.Address, payload []byte) bool {
	key := cacheKey(sig, signer, payload)
	if verified, ok := c.verifyCache.Get(key); ok {
		return verified
	}
	verified := channel.Verify(sig, signer, payload)
	if verified {
		// Only positive results are cached; a negative may be a transient
		// encoding fault and must not stick.
		c.verifyCache.Add(key, true)
	}
	return verified
}

// VerifyBalanceAttestation is a convenience wrapper for the payer-signed
// balance commitment.
func (c *Codec) VerifyBalanceAttestation(sig []byte, payer, payee channel.Address, balance *big.Int) bool {
	return c.VerifyAttestation(sig, payer, channel.BalancePayload(payee, balance))
}

func cacheKey(sig []byte, signer channel.Address, payload []byte) string {
	buf := make([]byte, 0, len(sig)+len(signer)+len(payload)+2)
	buf = append(buf, sig...)
	buf = append(buf, 0)
	buf = append(buf, signer...)
	buf = append(buf, 0)
	buf = append(buf, payload...)
	return string(buf)
}
