package config

import (
	"context"
	"errors"
	"testing"

	"superpeer/pkg/utils"
)

// newTestManager builds a fresh manager so each test sees its own t.Setenv
// values instead of a previous test's cache.
func newTestManager(t *testing.T) *utils.ConfigManager {
	t.Helper()
	cm, err := utils.NewConfigManager(&utils.ConfigManagerConfig{})
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	return cm
}

func TestLoadAppConfigRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "qa")
	_, err := LoadAppConfig(context.Background(), newTestManager(t))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "ENVIRONMENT" {
		t.Fatalf("want ENVIRONMENT validation error, got %v", err)
	}
}

func TestLoadChannelConfigDefaults(t *testing.T) {
	t.Setenv("CHANNEL_INIT_DEPOSIT", "")
	t.Setenv("CHANNEL_MAX_DEPOSIT", "")
	cfg, err := LoadChannelConfig(context.Background(), newTestManager(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InitDeposit.String() != "1000000" || cfg.MaxDeposit.String() != "100000000" {
		t.Fatalf("defaults wrong: init=%s max=%s", cfg.InitDeposit, cfg.MaxDeposit)
	}
}

func TestLoadChannelConfigRejectsInvertedCeiling(t *testing.T) {
	t.Setenv("CHANNEL_INIT_DEPOSIT", "100")
	t.Setenv("CHANNEL_MAX_DEPOSIT", "50")
	if _, err := LoadChannelConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("ceiling below initial deposit accepted")
	}
}

func TestLoadChannelConfigRejectsNonDecimal(t *testing.T) {
	t.Setenv("CHANNEL_INIT_DEPOSIT", "0x100")
	if _, err := LoadChannelConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("hex deposit accepted")
	}
}

func TestLoadLedgerConfigEndpointRules(t *testing.T) {
	t.Setenv("CHANNEL_CONTRACT", "0xabc0")
	t.Setenv("TOKEN_CONTRACT", "0xdef0")

	t.Setenv("LEDGER_ENDPOINT", "")
	if _, err := LoadLedgerConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("missing endpoint accepted")
	}

	t.Setenv("LEDGER_ENDPOINT", "ws://node:8546")
	if _, err := LoadLedgerConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("non-http endpoint accepted")
	}

	// Plaintext is fail-closed outside development.
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LEDGER_ENDPOINT", "http://node:8545")
	if _, err := LoadLedgerConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("plaintext endpoint accepted in production")
	}

	t.Setenv("LEDGER_ALLOW_INSECURE", "true")
	if _, err := LoadLedgerConfig(context.Background(), newTestManager(t)); err != nil {
		t.Fatalf("explicit insecure override rejected: %v", err)
	}

	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("LEDGER_ALLOW_INSECURE", "")
	cfg, err := LoadLedgerConfig(context.Background(), newTestManager(t))
	if err != nil {
		t.Fatalf("development plaintext rejected: %v", err)
	}
	if cfg.ChannelContract != "0xabc0" || cfg.ChainID != 1 {
		t.Fatalf("config values wrong: %+v", cfg)
	}
}

func TestLoadLedgerConfigRejectsBareContract(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("LEDGER_ENDPOINT", "http://localhost:8545")
	t.Setenv("CHANNEL_CONTRACT", "abc0")
	t.Setenv("TOKEN_CONTRACT", "0xdef0")
	if _, err := LoadLedgerConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("contract without 0x prefix accepted")
	}
}

func TestLoadMeshConfigRejectsBadCIDR(t *testing.T) {
	t.Setenv("ALLOWED_IPS", "10.0.0.0/8,not-a-cidr")
	if _, err := LoadMeshConfig(context.Background(), newTestManager(t)); err == nil {
		t.Fatal("invalid CIDR accepted")
	}
}

func TestLoadDispatchConfigClampsRanges(t *testing.T) {
	t.Setenv("DISPATCH_QUEUE_SIZE", "4")
	t.Setenv("DISPATCH_WORKERS", "0")
	cfg := LoadDispatchConfig(context.Background(), newTestManager(t))
	if cfg.QueueSize < 16 {
		t.Fatalf("queue size %d below floor", cfg.QueueSize)
	}
	if cfg.WorkerCount < 1 {
		t.Fatalf("worker count %d below floor", cfg.WorkerCount)
	}
}
