package config

import (
	"context"
	"fmt"
	"time"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// Environments the superpeer recognizes. Anything outside this set is a
// deployment mistake and refuses to start.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ValidationError reports a configuration value that failed a fail-closed
// check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s - %s", e.Field, e.Reason)
}

// AppConfig holds the top-level runtime switches that do not belong to any
// single subsystem.
type AppConfig struct {
	Environment       string
	Headless          bool
	LogLevel          string
	LogDevelopment    bool
	HeartbeatInterval time.Duration
}

// LoadAppConfig reads the application-level switches
func LoadAppConfig(ctx context.Context, cm *utils.ConfigManager) (*AppConfig, error) {
	environment := cm.GetString("ENVIRONMENT", EnvProduction)
	switch environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, &ValidationError{
			Field:  "ENVIRONMENT",
			Reason: fmt.Sprintf("unknown environment %q", environment),
		}
	}

	cfg := &AppConfig{
		Environment:       environment,
		Headless:          cm.GetBool("SUPERPEER_HEADLESS", false),
		LogLevel:          cm.GetString("LOG_LEVEL", "info"),
		LogDevelopment:    cm.GetBool("LOG_DEVELOPMENT", false),
		HeartbeatInterval: cm.GetDuration("VIZ_HEARTBEAT_INTERVAL", time.Minute),
	}

	utils.GetLogger().InfoContext(ctx, "application configuration loaded",
		utils.ZapString("environment", cfg.Environment),
		utils.ZapBool("headless", cfg.Headless))
	return cfg, nil
}

// LoadAuditConfig builds the audit-trail configuration. Signing is enabled
// only when AUDIT_SIGNING_KEY is set.
func LoadAuditConfig(cm *utils.ConfigManager) *utils.AuditConfig {
	cfg := &utils.AuditConfig{
		FilePath:       cm.GetString("AUDIT_LOG_PATH", "audit/superpeer-audit.jsonl"),
		EnableRotation: cm.GetBool("AUDIT_ROTATION", true),
		MaxSize:        cm.GetInt("AUDIT_MAX_SIZE_MB", 100),
		MaxBackups:     cm.GetInt("AUDIT_MAX_BACKUPS", 10),
		MaxAge:         cm.GetInt("AUDIT_MAX_AGE_DAYS", 90),
		Compress:       true,
		Component:      "superpeer",
	}
	if key, err := cm.GetSecret("AUDIT_SIGNING_KEY"); err == nil && key != "" {
		cfg.EnableSigning = true
		cfg.SigningKey = []byte(key)
	}
	return cfg
}

// LoadSignerConfig locates the settlement signing key. The key path has no
// default; a superpeer without its identity key must not start.
func LoadSignerConfig(cm *utils.ConfigManager) (channel.SignerConfig, error) {
	keyPath, err := cm.GetStringRequired("SIGNER_KEY_PATH")
	if err != nil {
		return channel.SignerConfig{}, &ValidationError{
			Field:  "SIGNER_KEY_PATH",
			Reason: "settlement key path is required",
		}
	}
	return channel.SignerConfig{
		KeyPath: keyPath,
		KeyID:   cm.GetString("SIGNER_KEY_ID", "superpeer"),
	}, nil
}
