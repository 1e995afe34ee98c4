package ledger

import (
	"errors"
	"fmt"
)

// Gateway failure taxonomy. Every gateway operation resolves to one of
// these kinds so callers can translate failures into protocol error
// responses without inspecting transport details.
var (
	// ErrNetwork: the ledger node was unreachable or timed out. Fatal for
	// the operation; not retried here.
	ErrNetwork = errors.New("ledger: network error")

	// ErrDecode: the ledger answered with something unparseable.
	ErrDecode = errors.New("ledger: malformed response")

	// ErrRejected: the ledger processed the request and said no (gas
	// estimate above the ceiling, failed transaction status, RPC error).
	ErrRejected = errors.New("ledger: request rejected")
)

// GatewayError wraps a failure with the operation that produced it.
type GatewayError struct {
	Kind error // one of ErrNetwork, ErrDecode, ErrRejected
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	return target == e.Kind
}

func networkErr(op string, err error) error {
	return &GatewayError{Kind: ErrNetwork, Op: op, Err: err}
}

func decodeErr(op string, err error) error {
	return &GatewayError{Kind: ErrDecode, Op: op, Err: err}
}

func rejectedErr(op string, err error) error {
	return &GatewayError{Kind: ErrRejected, Op: op, Err: err}
}
