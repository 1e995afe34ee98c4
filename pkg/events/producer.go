// Package events publishes signed settlement lifecycle events to Kafka for
// downstream accounting. Publication is best-effort from the caller's view;
// the channel lifecycle never blocks on a broker outage longer than the
// producer timeouts.
package events

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/fxamacker/cbor/v2"

	"superpeer/pkg/channel"
	"superpeer/pkg/utils"
)

// Event types
const (
	TypeChannelOpened  = "channel_opened"
	TypeBalanceUpdated = "balance_updated"
	TypeChannelClosed  = "channel_closed"
)

// SettlementEvent is the published record body. Balances travel as decimal
// strings to survive consumers without big-integer CBOR support.
type SettlementEvent struct {
	Type      string `cbor:"type"`
	Payer     string `cbor:"payer"`
	Payee     string `cbor:"payee"`
	Deposit   string `cbor:"deposit,omitempty"`
	Balance   string `cbor:"balance,omitempty"`
	OpenBlock uint64 `cbor:"openBlock,omitempty"`
	Timestamp int64  `cbor:"timestamp"`
}

// SignedEvent wraps the serialized event with the node's signature so
// consumers can authenticate the origin without trusting the broker.
type SignedEvent struct {
	Event  []byte `cbor:"event"`
	Sig    []byte `cbor:"sig"`
	Signer string `cbor:"signer"`
}

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// Producer publishes settlement events; it implements the lifecycle's
// EventPublisher interface.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	signer   *channel.Signer
	logger   *utils.Logger
	audit    *utils.AuditLogger
	encMode  cbor.EncMode

	mu     sync.RWMutex
	closed bool

	successes atomic.Uint64
	failures  atomic.Uint64
}

// NewProducer creates a Kafka settlement event producer.
func NewProducer(ctx context.Context, cfg ProducerConfig, saramaCfg *sarama.Config, signer *channel.Signer, logger *utils.Logger, audit *utils.AuditLogger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events: topic required")
	}
	if signer == nil || logger == nil {
		return nil, fmt.Errorf("events: signer and logger are required")
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("events: encoder mode: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		if audit != nil {
			_ = audit.Security("kafka_producer_creation_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("events: producer create: %w", err)
	}

	p := &Producer{
		producer: producer,
		topic:    cfg.Topic,
		signer:   signer,
		logger:   logger,
		audit:    audit,
		encMode:  encMode,
	}

	logger.InfoContext(ctx, "settlement event producer created",
		utils.ZapInt("brokers", len(cfg.Brokers)),
		utils.ZapString("topic", cfg.Topic))
	return p, nil
}

// ChannelOpened publishes a channel open event
func (p *Producer) ChannelOpened(ctx context.Context, ch *channel.PaymentChannel) error {
	evt := &SettlementEvent{
		Type:      TypeChannelOpened,
		Payer:     ch.Payer.String(),
		Payee:     ch.Payee.String(),
		OpenBlock: ch.OpenBlock,
		Timestamp: time.Now().UnixMilli(),
	}
	if ch.Deposit != nil {
		evt.Deposit = ch.Deposit.String()
	}
	return p.publish(ctx, evt)
}

// BalanceUpdated publishes a balance attestation event
func (p *Producer) BalanceUpdated(ctx context.Context, ch *channel.PaymentChannel) error {
	evt := &SettlementEvent{
		Type:      TypeBalanceUpdated,
		Payer:     ch.Payer.String(),
		Payee:     ch.Payee.String(),
		Timestamp: time.Now().UnixMilli(),
	}
	if ch.PayeeBalance != nil {
		evt.Balance = ch.PayeeBalance.String()
	}
	return p.publish(ctx, evt)
}

// ChannelClosed publishes a settlement event
func (p *Producer) ChannelClosed(ctx context.Context, payer, payee channel.Address, balance *big.Int) error {
	evt := &SettlementEvent{
		Type:      TypeChannelClosed,
		Payer:     payer.String(),
		Payee:     payee.String(),
		Timestamp: time.Now().UnixMilli(),
	}
	if balance != nil {
		evt.Balance = balance.String()
	}
	return p.publish(ctx, evt)
}

func (p *Producer) publish(ctx context.Context, evt *SettlementEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("events: producer closed")
	}
	p.mu.RUnlock()

	body, err := p.encMode.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	signed := &SignedEvent{
		Event:  body,
		Sig:    p.signer.SignEvent(body),
		Signer: p.signer.Address().String(),
	}
	value, err := p.encMode.Marshal(signed)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		// Partition by channel so per-channel event order survives.
		Key:   sarama.StringEncoder(evt.Payer + "|" + evt.Payee),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("version"), Value: []byte("1")},
			{Key: []byte("type"), Value: []byte(evt.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.failures.Add(1)
		if p.audit != nil {
			_ = p.audit.Error("settlement_event_publish_failed", map[string]interface{}{
				"type":  evt.Type,
				"error": err.Error(),
			})
		}
		return fmt.Errorf("events: publish: %w", err)
	}
	p.successes.Add(1)

	p.logger.DebugContext(ctx, "settlement event published",
		utils.ZapString("type", evt.Type),
		utils.ZapInt("partition", int(partition)),
		utils.ZapInt64("offset", offset))
	return nil
}

// Stats returns publish counters
func (p *Producer) Stats() (successes, failures uint64) {
	return p.successes.Load(), p.failures.Load()
}

// Close shuts the producer down
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("events: close: %w", err)
	}
	p.logger.Info("settlement event producer closed")
	return nil
}

// NullPublisher discards all events; used when no brokers are configured.
type NullPublisher struct{}

func (NullPublisher) ChannelOpened(context.Context, *channel.PaymentChannel) error  { return nil }
func (NullPublisher) BalanceUpdated(context.Context, *channel.PaymentChannel) error { return nil }
func (NullPublisher) ChannelClosed(context.Context, channel.Address, channel.Address, *big.Int) error {
	return nil
}
