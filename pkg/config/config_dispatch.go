package config

import (
	"context"
	"time"

	"superpeer/pkg/dispatch"
	"superpeer/pkg/utils"
)

// LoadDispatchConfig builds the inbound-queue tuning
func LoadDispatchConfig(ctx context.Context, cm *utils.ConfigManager) dispatch.Config {
	cfg := dispatch.Config{
		QueueSize:       cm.GetIntRange("DISPATCH_QUEUE_SIZE", 1000, 16, 100000),
		WorkerCount:     cm.GetIntRange("DISPATCH_WORKERS", 100, 1, 1000),
		ShutdownTimeout: cm.GetDuration("DISPATCH_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	utils.GetLogger().InfoContext(ctx, "dispatch configuration loaded",
		utils.ZapInt("queue_size", cfg.QueueSize),
		utils.ZapInt("workers", cfg.WorkerCount))
	return cfg
}
