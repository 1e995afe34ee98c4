package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"superpeer/pkg/utils"
)

const maxRPCResponseBytes = 1 << 20 // 1 MiB

// rpcClient speaks JSON-RPC 2.0 to the ledger node endpoint. A circuit
// breaker in front of the endpoint fails calls fast while the node is down
// so handler workers do not pile up behind timeouts.
type rpcClient struct {
	endpoint string
	http     *utils.HTTPClient
	logger   *utils.Logger
	breaker  *utils.CircuitBreaker
	retry    *utils.RetryConfig
	nextID   atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCClient(endpoint string, httpClient *utils.HTTPClient, logger *utils.Logger) *rpcClient {
	retry := utils.DefaultRetryConfig()
	retry.RetryableFunc = func(err error) bool { return errors.Is(err, ErrNetwork) }
	return &rpcClient{
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger,
		breaker:  utils.NewCircuitBreaker(5, 30*time.Second),
		retry:    retry,
	}
}

// call issues one JSON-RPC request. A nil result (JSON null) is returned
// as a zero-length RawMessage so callers can poll for pending values.
func (c *rpcClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, decodeErr(method, err)
	}

	var raw []byte
	err = c.breaker.Execute(func() error {
		resp, err := c.http.Post(ctx, c.endpoint, "application/json", body)
		if err != nil {
			return networkErr(method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return networkErr(method, fmt.Errorf("http status %d", resp.StatusCode))
		}

		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxRPCResponseBytes))
		if err != nil {
			return networkErr(method, err)
		}
		return nil
	})
	if errors.Is(err, utils.ErrCircuitOpen) {
		return nil, networkErr(method, err)
	}
	if err != nil {
		return nil, err
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, decodeErr(method, err)
	}
	if parsed.Error != nil {
		return nil, rejectedErr(method, parsed.Error)
	}
	if string(parsed.Result) == "null" {
		return nil, nil
	}
	return parsed.Result, nil
}

// read issues a read-only request, retrying transient network faults with
// backoff. Transaction submissions must use call directly.
func (c *rpcClient) read(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	err := utils.RetryContext(ctx, c.retry, func() error {
		var callErr error
		raw, callErr = c.call(ctx, method, params...)
		return callErr
	})
	return raw, err
}

// readString issues a read whose result must be a JSON string
func (c *rpcClient) readString(ctx context.Context, method string, params ...interface{}) (string, error) {
	raw, err := c.read(ctx, method, params...)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", decodeErr(method, fmt.Errorf("unexpected null result"))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", decodeErr(method, err)
	}
	return s, nil
}

// callString issues a request whose result must be a JSON string
func (c *rpcClient) callString(ctx context.Context, method string, params ...interface{}) (string, error) {
	raw, err := c.call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", decodeErr(method, fmt.Errorf("unexpected null result"))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", decodeErr(method, err)
	}
	return s, nil
}
