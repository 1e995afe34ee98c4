package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrConfigKeyMissing = errors.New("config: required key missing")
	ErrSecretMissing    = errors.New("config: secret not set")
)

// ConfigManagerConfig controls redaction of sensitive keys when config
// values are echoed into logs.
type ConfigManagerConfig struct {
	SensitiveKeys []string
	RedactMode    RedactionMode
}

// ConfigManager provides type-safe access to environment-backed
// configuration. Values are read from the process environment on every
// call; a snapshot cache keeps repeated reads consistent within a run.
type ConfigManager struct {
	config    *ConfigManagerConfig
	sensitive map[string]bool

	mu    sync.RWMutex
	cache map[string]string
}

// NewConfigManager creates a config manager
func NewConfigManager(config *ConfigManagerConfig) (*ConfigManager, error) {
	if config == nil {
		config = &ConfigManagerConfig{RedactMode: RedactFull}
	}
	sensitive := make(map[string]bool, len(config.SensitiveKeys))
	for _, key := range config.SensitiveKeys {
		sensitive[strings.ToLower(key)] = true
	}
	return &ConfigManager{
		config:    config,
		sensitive: sensitive,
		cache:     make(map[string]string),
	}, nil
}

func (cm *ConfigManager) lookup(key string) (string, bool) {
	cm.mu.RLock()
	if val, ok := cm.cache[key]; ok {
		cm.mu.RUnlock()
		return val, val != ""
	}
	cm.mu.RUnlock()

	val := os.Getenv(key)
	cm.mu.Lock()
	cm.cache[key] = val
	cm.mu.Unlock()
	return val, val != ""
}

// GetString returns the value for key, or defaultValue if unset
func (cm *ConfigManager) GetString(key, defaultValue string) string {
	if val, ok := cm.lookup(key); ok {
		return val
	}
	return defaultValue
}

// GetStringRequired returns the value for key or an error if unset
func (cm *ConfigManager) GetStringRequired(key string) (string, error) {
	if val, ok := cm.lookup(key); ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrConfigKeyMissing, key)
}

// GetInt returns the integer value for key, or defaultValue on absence or
// parse failure
func (cm *ConfigManager) GetInt(key string, defaultValue int) int {
	if val, ok := cm.lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetFloat64 returns the float value for key
func (cm *ConfigManager) GetFloat64(key string, defaultValue float64) float64 {
	if val, ok := cm.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetBool returns the boolean value for key
func (cm *ConfigManager) GetBool(key string, defaultValue bool) bool {
	if val, ok := cm.lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetDuration returns the duration value for key. Accepts Go duration
// syntax ("500ms") or a bare integer interpreted as milliseconds.
func (cm *ConfigManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	val, ok := cm.lookup(key)
	if !ok {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// GetStringSlice returns a comma-separated list value for key
func (cm *ConfigManager) GetStringSlice(key string, defaultValue []string) []string {
	val, ok := cm.lookup(key)
	if !ok {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// GetIntRange returns the integer value for key clamped to [min, max]
func (cm *ConfigManager) GetIntRange(key string, defaultValue, min, max int) int {
	val := cm.GetInt(key, defaultValue)
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// GetBigIntString validates that the value parses as a base-10 integer and
// returns it as a string; settlement amounts are carried as decimal strings
// to avoid silent overflow.
func (cm *ConfigManager) GetBigIntString(key, defaultValue string) (string, error) {
	val := cm.GetString(key, defaultValue)
	for i := 0; i < len(val); i++ {
		if val[i] < '0' || val[i] > '9' {
			return "", fmt.Errorf("config: %s is not a decimal integer", key)
		}
	}
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrConfigKeyMissing, key)
	}
	return val, nil
}

// GetSecret returns a sensitive value; unlike GetString it never echoes the
// value into the snapshot cache and errors when unset.
func (cm *ConfigManager) GetSecret(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretMissing, key)
	}
	return val, nil
}

// Redact returns the loggable form of a config value
func (cm *ConfigManager) Redact(key, value string) string {
	if !cm.isSensitive(key) {
		return value
	}
	if cm.config.RedactMode == RedactHash {
		return "[HASH:" + hashString(value) + "]"
	}
	return "[REDACTED]"
}

func (cm *ConfigManager) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	if cm.sensitive[lower] {
		return true
	}
	return strings.Contains(lower, "secret") || strings.Contains(lower, "password") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "token")
}
