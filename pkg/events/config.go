package events

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"superpeer/pkg/utils"
)

// BuildSaramaConfig creates the producer-side sarama.Config from the
// environment. TLS and SASL are enforced outside development; the producer
// is idempotent with full-ISR acks so settlement events are never
// duplicated or dropped by a broker failover.
func BuildSaramaConfig(ctx context.Context, cm *utils.ConfigManager, log *utils.Logger, audit *utils.AuditLogger) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_9_0_0

	timeout := cm.GetDuration("KAFKA_TIMEOUT", 30*time.Second)
	cfg.Net.DialTimeout = timeout
	cfg.Net.ReadTimeout = timeout
	cfg.Net.WriteTimeout = timeout

	env := strings.ToLower(cm.GetString("ENVIRONMENT", "production"))

	tlsEnabled := cm.GetBool("KAFKA_TLS_ENABLED", true)
	if (env == "production" || env == "staging") && !tlsEnabled {
		if audit != nil {
			_ = audit.Security("kafka_tls_required", map[string]interface{}{
				"environment": env,
			})
		}
		return nil, fmt.Errorf("events: kafka TLS is required in %s", env)
	}
	if !tlsEnabled {
		log.WarnContext(ctx, "Kafka TLS disabled; development only")
	}
	cfg.Net.TLS.Enable = tlsEnabled
	if tlsEnabled {
		cfg.Net.TLS.Config = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	}

	saslMechanism := cm.GetString("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512")
	saslUsername := cm.GetString("KAFKA_SASL_USERNAME", "")
	if saslUsername != "" {
		saslPassword, err := cm.GetSecret("KAFKA_SASL_PASSWORD")
		if err != nil {
			return nil, fmt.Errorf("events: KAFKA_SASL_PASSWORD required when SASL username is set: %w", err)
		}
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = saslUsername
		cfg.Net.SASL.Password = saslPassword

		switch saslMechanism {
		case "SCRAM-SHA-512":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		case "SCRAM-SHA-256":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "PLAIN":
			if !tlsEnabled {
				return nil, fmt.Errorf("events: SASL PLAIN without TLS would send credentials cleartext")
			}
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
			log.WarnContext(ctx, "SASL PLAIN enabled; prefer SCRAM")
		default:
			return nil, fmt.Errorf("events: unsupported SASL mechanism %q", saslMechanism)
		}
	} else if env == "production" || env == "staging" {
		if audit != nil {
			_ = audit.Security("kafka_sasl_required", map[string]interface{}{
				"environment": env,
			})
		}
		return nil, fmt.Errorf("events: SASL credentials are required in %s", env)
	}

	cfg.Producer.Idempotent = cm.GetBool("KAFKA_PRODUCER_IDEMPOTENT", true)
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = cm.GetInt("KAFKA_PRODUCER_RETRIES", 3)
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	if cfg.Producer.Idempotent {
		cfg.Net.MaxOpenRequests = 1
	}

	switch compression := cm.GetString("KAFKA_PRODUCER_COMPRESSION", "snappy"); compression {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	case "none":
		cfg.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("events: unsupported compression %q", compression)
	}

	cfg.Producer.MaxMessageBytes = cm.GetInt("KAFKA_MAX_MESSAGE_SIZE", 1<<20)
	cfg.Metadata.Retry.Max = 3
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond
	cfg.Metadata.RefreshFrequency = 10 * time.Minute

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("events: invalid sarama config: %w", err)
	}

	if audit != nil {
		_ = audit.Info("kafka_config_built", map[string]interface{}{
			"environment":    env,
			"tls_enabled":    tlsEnabled,
			"sasl_enabled":   cfg.Net.SASL.Enable,
			"sasl_mechanism": saslMechanism,
			"idempotent":     cfg.Producer.Idempotent,
		})
	}
	log.InfoContext(ctx, "Kafka producer config built",
		utils.ZapString("environment", env),
		utils.ZapBool("tls_enabled", tlsEnabled),
		utils.ZapBool("sasl_enabled", cfg.Net.SASL.Enable))
	return cfg, nil
}
