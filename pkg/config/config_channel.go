package config

import (
	"context"
	"fmt"
	"math/big"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// LoadChannelConfig builds the channel-lifecycle configuration. Deposits are
// read as decimal strings so they are not bounded by int64.
func LoadChannelConfig(ctx context.Context, cm *utils.ConfigManager) (channel.ManagerConfig, error) {
	initDeposit, err := bigIntValue(cm, "CHANNEL_INIT_DEPOSIT", "1000000")
	if err != nil {
		return channel.ManagerConfig{}, err
	}
	maxDeposit, err := bigIntValue(cm, "CHANNEL_MAX_DEPOSIT", "100000000")
	if err != nil {
		return channel.ManagerConfig{}, err
	}
	if maxDeposit.Cmp(initDeposit) < 0 {
		return channel.ManagerConfig{}, &ValidationError{
			Field:  "CHANNEL_MAX_DEPOSIT",
			Reason: fmt.Sprintf("ceiling %s below initial deposit %s", maxDeposit, initDeposit),
		}
	}

	utils.GetLogger().InfoContext(ctx, "channel configuration loaded",
		utils.ZapString("init_deposit", initDeposit.String()),
		utils.ZapString("max_deposit", maxDeposit.String()))
	return channel.ManagerConfig{InitDeposit: initDeposit, MaxDeposit: maxDeposit}, nil
}

func bigIntValue(cm *utils.ConfigManager, key, fallback string) (*big.Int, error) {
	raw, err := cm.GetBigIntString(key, fallback)
	if err != nil {
		return nil, &ValidationError{Field: key, Reason: err.Error()}
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a positive decimal", raw)}
	}
	return v, nil
}
