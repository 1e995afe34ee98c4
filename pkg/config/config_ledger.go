package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"superpeer/pkg/ledger"
	"superpeer/pkg/utils"
)

// LoadLedgerConfig builds the ledger gateway configuration. Contract
// addresses and the node endpoint are required; outside development the
// endpoint must be HTTPS unless LEDGER_ALLOW_INSECURE is set explicitly.
func LoadLedgerConfig(ctx context.Context, cm *utils.ConfigManager) (ledger.Config, error) {
	endpoint, err := cm.GetStringRequired("LEDGER_ENDPOINT")
	if err != nil {
		return ledger.Config{}, &ValidationError{Field: "LEDGER_ENDPOINT", Reason: "ledger node endpoint is required"}
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return ledger.Config{}, &ValidationError{
			Field:  "LEDGER_ENDPOINT",
			Reason: fmt.Sprintf("endpoint %q must be an http(s) URL", endpoint),
		}
	}

	environment := cm.GetString("ENVIRONMENT", EnvProduction)
	if environment != EnvDevelopment &&
		strings.HasPrefix(endpoint, "http://") &&
		!cm.GetBool("LEDGER_ALLOW_INSECURE", false) {
		return ledger.Config{}, &ValidationError{
			Field:  "LEDGER_ENDPOINT",
			Reason: "plaintext endpoint outside development requires LEDGER_ALLOW_INSECURE=true",
		}
	}

	channelContract, err := cm.GetStringRequired("CHANNEL_CONTRACT")
	if err != nil {
		return ledger.Config{}, &ValidationError{Field: "CHANNEL_CONTRACT", Reason: "channel contract address is required"}
	}
	tokenContract, err := cm.GetStringRequired("TOKEN_CONTRACT")
	if err != nil {
		return ledger.Config{}, &ValidationError{Field: "TOKEN_CONTRACT", Reason: "token contract address is required"}
	}
	for field, addr := range map[string]string{
		"CHANNEL_CONTRACT": channelContract,
		"TOKEN_CONTRACT":   tokenContract,
	} {
		if !strings.HasPrefix(addr, "0x") {
			return ledger.Config{}, &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("contract address %q must be 0x-prefixed", addr),
			}
		}
	}

	cfg := ledger.Config{
		Endpoint:        endpoint,
		ChannelContract: channelContract,
		TokenContract:   tokenContract,
		GasPrice:        uint64(cm.GetInt("LEDGER_GAS_PRICE", 1)),
		GasCeiling:      uint64(cm.GetInt("LEDGER_GAS_CEILING", 4_000_000)),
		ChainID:         uint64(cm.GetInt("LEDGER_CHAIN_ID", 1)),
		PollInterval:    cm.GetDuration("LEDGER_POLL_INTERVAL", 3*time.Second),
		MineTimeout:     cm.GetDuration("LEDGER_MINE_TIMEOUT", 5*time.Minute),
		RequestTimeout:  cm.GetDuration("LEDGER_REQUEST_TIMEOUT", 30*time.Second),
	}

	utils.GetLogger().InfoContext(ctx, "ledger configuration loaded",
		utils.ZapString("channel_contract", cfg.ChannelContract),
		utils.ZapString("token_contract", cfg.TokenContract),
		utils.ZapUint64("chain_id", cfg.ChainID))
	return cfg, nil
}
