package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// Config holds the ledger node endpoint and settlement parameters.
type Config struct {
	Endpoint        string
	ChannelContract string
	TokenContract   string

	GasPrice   uint64
	GasCeiling uint64
	ChainID    uint64

	// Mined-receipt polling. A zero MineTimeout falls back to the default;
	// the wait is additionally bounded by the caller's context.
	PollInterval time.Duration
	MineTimeout  time.Duration

	RequestTimeout time.Duration
}

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMineTimeout  = 5 * time.Minute
)

// Client is the stateless ledger gateway. It never caches channel facts;
// the channel store owns caching so every call here can be retried safely
// by the layer above.
type Client struct {
	cfg    Config
	rpc    *rpcClient
	signer TxSigner
	logger *utils.Logger
	audit  *utils.AuditLogger
}

// NewClient creates a gateway client over a pooled HTTP client.
func NewClient(cfg Config, signer TxSigner, logger *utils.Logger, audit *utils.AuditLogger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint is required")
	}
	if cfg.ChannelContract == "" || cfg.TokenContract == "" {
		return nil, fmt.Errorf("ledger: contract addresses are required")
	}
	if signer == nil {
		return nil, fmt.Errorf("ledger: tx signer is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MineTimeout <= 0 {
		cfg.MineTimeout = DefaultMineTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = utils.DefaultRequestTimeout
	}

	httpClient, err := utils.NewHTTPClientBuilder().
		WithTimeout(cfg.RequestTimeout).
		Build()
	if err != nil {
		return nil, fmt.Errorf("ledger: http client: %w", err)
	}

	return &Client{
		cfg:    cfg,
		rpc:    newRPCClient(cfg.Endpoint, httpClient, logger),
		signer: signer,
		logger: logger,
		audit:  audit,
	}, nil
}

// GetNonce returns the next transaction sequence number for addr
func (c *Client) GetNonce(ctx context.Context, addr channel.Address) (uint64, error) {
	result, err := c.rpc.readString(ctx, "parity_nextNonce", addr.String())
	if err != nil {
		return 0, err
	}
	nonce, err := parseHexQuantity(result)
	if err != nil {
		return 0, decodeErr("parity_nextNonce", err)
	}
	return nonce.Uint64(), nil
}

// GetEtherBalance returns the settlement-asset balance of addr
func (c *Client) GetEtherBalance(ctx context.Context, addr channel.Address) (*big.Int, error) {
	result, err := c.rpc.readString(ctx, "eth_getBalance", addr.String(), "latest")
	if err != nil {
		return nil, err
	}
	balance, err := parseHexQuantity(result)
	if err != nil {
		return nil, decodeErr("eth_getBalance", err)
	}
	return balance, nil
}

// GetTokenBalance reads the channel token balance of addr from the token
// contract.
func (c *Client) GetTokenBalance(ctx context.Context, addr channel.Address) (*big.Int, error) {
	data, err := balanceOfData(addr)
	if err != nil {
		return nil, decodeErr("eth_call/balanceOf", err)
	}
	result, err := c.ethCall(ctx, c.cfg.TokenContract, data)
	if err != nil {
		return nil, err
	}
	balance, err := parseHexQuantity(result)
	if err != nil {
		return nil, decodeErr("eth_call/balanceOf", err)
	}
	return balance, nil
}

// GetChannelInfo reads the on-ledger channel struct for (payer, payee).
// Returns channel.ErrChannelNotFound when the slot is empty; that is a
// signal, not a gateway fault.
func (c *Client) GetChannelInfo(ctx context.Context, payer, payee channel.Address) (*channel.PaymentChannel, error) {
	id, err := channel.Identity(payer, payee)
	if err != nil {
		return nil, decodeErr("eth_call/channels", err)
	}
	result, err := c.ethCall(ctx, c.cfg.ChannelContract, channelsData(id))
	if err != nil {
		return nil, err
	}
	ch, err := decodeChannelWords(result)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			return nil, err
		}
		return nil, decodeErr("eth_call/channels", err)
	}
	return ch, nil
}

// ApproveAllowance submits a pre-signed allowance approval. The embedded
// signature must belong to payer; gas is estimated first and the call is
// rejected when the estimate exceeds the configured ceiling.
func (c *Client) ApproveAllowance(ctx context.Context, payer channel.Address, amount *big.Int, signedApproveTx string) error {
	tx, signerAddr, err := DecodeSignedTx(signedApproveTx)
	if err != nil {
		return rejectedErr("approve", err)
	}
	if signerAddr != payer {
		return rejectedErr("approve", fmt.Errorf("tx signed by %s, expected payer %s", signerAddr, payer))
	}
	if err := c.checkGas(ctx, payer, tx.To, tx.Data); err != nil {
		return err
	}
	txID, err := c.SubmitRaw(ctx, signedApproveTx)
	if err != nil {
		return err
	}
	if _, err := c.WaitMined(ctx, txID); err != nil {
		return err
	}
	c.auditInfo("ledger_allowance_approved", map[string]interface{}{
		"payer":  payer.String(),
		"amount": amount.String(),
		"tx":     txID,
	})
	return nil
}

// OpenChannel submits a pre-signed channel-creation transaction, waits for
// it to mine, then re-reads the channel struct from the ledger.
func (c *Client) OpenChannel(ctx context.Context, payer, payee channel.Address, amount *big.Int, signedOpenTx string) (*channel.PaymentChannel, error) {
	tx, signerAddr, err := DecodeSignedTx(signedOpenTx)
	if err != nil {
		return nil, rejectedErr("open", err)
	}
	if signerAddr != payer {
		return nil, rejectedErr("open", fmt.Errorf("tx signed by %s, expected payer %s", signerAddr, payer))
	}
	if err := c.checkGas(ctx, payer, tx.To, tx.Data); err != nil {
		return nil, err
	}
	txID, err := c.SubmitRaw(ctx, signedOpenTx)
	if err != nil {
		return nil, err
	}
	block, err := c.WaitMined(ctx, txID)
	if err != nil {
		return nil, err
	}

	ch, err := c.GetChannelInfo(ctx, payer, payee)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			return nil, rejectedErr("open", fmt.Errorf("mined in block %d but channel absent", block))
		}
		return nil, err
	}
	c.auditInfo("ledger_channel_opened", map[string]interface{}{
		"payer":   payer.String(),
		"payee":   payee.String(),
		"deposit": amount.String(),
		"block":   block,
		"tx":      txID,
	})
	return ch, nil
}

// ApproveAllowanceAsPayer approves the channel contract to draw deposit
// funds from the local node's token balance. Used on the outbound
// (superpeer-as-payer) open path.
func (c *Client) ApproveAllowanceAsPayer(ctx context.Context, amount *big.Int) error {
	data, err := approveData(c.cfg.ChannelContract, amount)
	if err != nil {
		return rejectedErr("approve", err)
	}
	txID, err := c.submitLocalTx(ctx, c.cfg.TokenContract, data)
	if err != nil {
		return err
	}
	if _, err := c.WaitMined(ctx, txID); err != nil {
		return err
	}
	c.auditInfo("ledger_allowance_approved", map[string]interface{}{
		"payer":  c.signer.Address().String(),
		"amount": amount.String(),
		"tx":     txID,
	})
	return nil
}

// OpenChannelAsPayer creates the outbound channel toward payee with the
// given deposit, waits for it to mine, and re-reads the channel struct.
func (c *Client) OpenChannelAsPayer(ctx context.Context, payee channel.Address, deposit *big.Int) (*channel.PaymentChannel, error) {
	data, err := createChannelData(payee, deposit)
	if err != nil {
		return nil, rejectedErr("open", err)
	}
	txID, err := c.submitLocalTx(ctx, c.cfg.ChannelContract, data)
	if err != nil {
		return nil, err
	}
	block, err := c.WaitMined(ctx, txID)
	if err != nil {
		return nil, err
	}

	ch, err := c.GetChannelInfo(ctx, c.signer.Address(), payee)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			return nil, rejectedErr("open", fmt.Errorf("mined in block %d but channel absent", block))
		}
		return nil, err
	}
	c.auditInfo("ledger_channel_opened", map[string]interface{}{
		"payer":   c.signer.Address().String(),
		"payee":   payee.String(),
		"deposit": deposit.String(),
		"block":   block,
		"tx":      txID,
	})
	return ch, nil
}

// submitLocalTx builds, signs and submits a transaction from the local
// node after the gas-ceiling check.
func (c *Client) submitLocalTx(ctx context.Context, to, data string) (string, error) {
	nonce, err := c.GetNonce(ctx, c.signer.Address())
	if err != nil {
		return "", err
	}
	if err := c.checkGas(ctx, c.signer.Address(), to, data); err != nil {
		return "", err
	}
	signedTx, err := EncodeSignedTx(&RawTx{
		Nonce:    nonce,
		To:       to,
		Value:    "0",
		Data:     data,
		GasPrice: c.cfg.GasPrice,
		GasLimit: c.cfg.GasCeiling,
		ChainID:  c.cfg.ChainID,
	}, c.signer)
	if err != nil {
		return "", rejectedErr("submitLocalTx", err)
	}
	return c.SubmitRaw(ctx, signedTx)
}

// CloseChannelCooperative assembles the cooperative-close transaction from
// both attestations, signs it with the local key and submits it.
func (c *Client) CloseChannelCooperative(ctx context.Context, payer, payee channel.Address, balance *big.Int, balanceSig, closingSig []byte) error {
	id, err := channel.Identity(payer, payee)
	if err != nil {
		return rejectedErr("close", err)
	}
	data := closeData(id, balance, balanceSig, closingSig)
	txID, err := c.submitLocalTx(ctx, c.cfg.ChannelContract, data)
	if err != nil {
		return err
	}
	block, err := c.WaitMined(ctx, txID)
	if err != nil {
		return err
	}
	c.auditInfo("ledger_channel_closed", map[string]interface{}{
		"payer":   payer.String(),
		"payee":   payee.String(),
		"balance": balance.String(),
		"block":   block,
		"tx":      txID,
	})
	return nil
}

// SubmitRaw submits a signed transaction blob and returns its id
func (c *Client) SubmitRaw(ctx context.Context, signedTxHex string) (string, error) {
	return c.rpc.callString(ctx, "eth_sendRawTransaction", signedTxHex)
}

type receipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
}

// WaitMined polls for the transaction receipt until it appears, the
// configured timeout elapses, or ctx is cancelled. A missing receipt keeps
// polling; a network error aborts the wait.
func (c *Client) WaitMined(ctx context.Context, txID string) (uint64, error) {
	deadline := time.NewTimer(c.cfg.MineTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.rpc.call(ctx, "eth_getTransactionReceipt", txID)
		if err != nil {
			return 0, err
		}
		if raw != nil {
			var r receipt
			if err := json.Unmarshal(raw, &r); err != nil {
				return 0, decodeErr("eth_getTransactionReceipt", err)
			}
			block, err := parseHexQuantity(r.BlockNumber)
			if err != nil {
				return 0, decodeErr("eth_getTransactionReceipt", err)
			}
			if r.Status != "" && r.Status != "0x1" {
				return 0, rejectedErr("waitMined", fmt.Errorf("tx %s failed with status %s", txID, r.Status))
			}
			return block.Uint64(), nil
		}

		select {
		case <-ctx.Done():
			return 0, networkErr("waitMined", ctx.Err())
		case <-deadline.C:
			return 0, networkErr("waitMined", fmt.Errorf("tx %s not mined within %s", txID, c.cfg.MineTimeout))
		case <-ticker.C:
		}
	}
}

// HealthCheck verifies the ledger node answers a trivial read
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.rpc.readString(ctx, "eth_blockNumber")
	return err
}

func (c *Client) ethCall(ctx context.Context, to, data string) (string, error) {
	params := map[string]string{"to": to, "data": data}
	return c.rpc.readString(ctx, "eth_call", params, "latest")
}

// checkGas estimates gas for a call and rejects estimates above the
// configured ceiling before anything is submitted.
func (c *Client) checkGas(ctx context.Context, from channel.Address, to, data string) error {
	params := map[string]string{"from": from.String(), "to": to, "data": data}
	result, err := c.rpc.readString(ctx, "eth_estimateGas", params)
	if err != nil {
		return err
	}
	estimate, err := parseHexQuantity(result)
	if err != nil {
		return decodeErr("eth_estimateGas", err)
	}
	if estimate.Cmp(new(big.Int).SetUint64(c.cfg.GasCeiling)) > 0 {
		c.auditWarn("ledger_gas_ceiling_exceeded", map[string]interface{}{
			"estimate": estimate.String(),
			"ceiling":  c.cfg.GasCeiling,
		})
		return rejectedErr("eth_estimateGas",
			fmt.Errorf("estimate %s exceeds ceiling %d", estimate, c.cfg.GasCeiling))
	}
	return nil
}

func (c *Client) auditInfo(event string, fields map[string]interface{}) {
	if c.audit != nil {
		_ = c.audit.Info(event, fields)
	}
}

func (c *Client) auditWarn(event string, fields map[string]interface{}) {
	if c.audit != nil {
		_ = c.audit.Warn(event, fields)
	}
}
