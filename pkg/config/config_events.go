package config

import (
	"context"

	"superpeer/pkg/events"
	"superpeer/pkg/utils"
)

// LoadEventsConfig builds the settlement-event producer configuration. Empty
// Brokers means event publishing is disabled; that is a supported deployment,
// not an error.
func LoadEventsConfig(ctx context.Context, cm *utils.ConfigManager) events.ProducerConfig {
	cfg := events.ProducerConfig{
		Brokers: cm.GetStringSlice("KAFKA_BROKERS", nil),
		Topic:   cm.GetString("KAFKA_SETTLEMENT_TOPIC", "superpeer.settlements.v1"),
	}
	if len(cfg.Brokers) == 0 {
		utils.GetLogger().InfoContext(ctx, "no Kafka brokers configured; settlement events disabled")
		return cfg
	}
	utils.GetLogger().InfoContext(ctx, "events configuration loaded",
		utils.ZapInt("brokers", len(cfg.Brokers)),
		utils.ZapString("topic", cfg.Topic))
	return cfg
}
