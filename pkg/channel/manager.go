package channel

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"superpeer/pkg/utils"
)

// Gateway is the slice of the ledger client the lifecycle needs. The
// concrete implementation lives in pkg/ledger; tests substitute fakes.
type Gateway interface {
	GetNonce(ctx context.Context, addr Address) (uint64, error)
	GetEtherBalance(ctx context.Context, addr Address) (*big.Int, error)
	GetTokenBalance(ctx context.Context, addr Address) (*big.Int, error)
	GetChannelInfo(ctx context.Context, payer, payee Address) (*PaymentChannel, error)
	ApproveAllowance(ctx context.Context, payer Address, amount *big.Int, signedApproveTx string) error
	OpenChannel(ctx context.Context, payer, payee Address, amount *big.Int, signedOpenTx string) (*PaymentChannel, error)
	ApproveAllowanceAsPayer(ctx context.Context, amount *big.Int) error
	OpenChannelAsPayer(ctx context.Context, payee Address, amount *big.Int) (*PaymentChannel, error)
	CloseChannelCooperative(ctx context.Context, payer, payee Address, balance *big.Int, balanceSig, closingSig []byte) error
}

// EventPublisher receives settlement lifecycle notifications. A nil
// publisher is allowed; all notifications are best-effort.
type EventPublisher interface {
	ChannelOpened(ctx context.Context, ch *PaymentChannel) error
	BalanceUpdated(ctx context.Context, ch *PaymentChannel) error
	ChannelClosed(ctx context.Context, payer, payee Address, balance *big.Int) error
}

var (
	ErrNotLocalPayer       = errors.New("channel: local node is not the payer of this channel")
	ErrInvalidAttestation  = errors.New("channel: attestation signature invalid")
	ErrInsufficientDeposit = errors.New("channel: payment would exceed channel deposit")
)

// ManagerConfig holds settlement policy for the lifecycle.
type ManagerConfig struct {
	// InitDeposit is locked when this node opens an outbound channel.
	InitDeposit *big.Int
	// MaxDeposit caps any single channel's deposit.
	MaxDeposit *big.Int
}

// Manager drives channels through their life: open on demand, record
// balance attestations, and cooperatively close. All ledger effects go
// through the gateway; all cached state lives in the store.
type Manager struct {
	cfg     ManagerConfig
	gateway Gateway
	store   *Store
	signer  *Signer
	logger  *utils.Logger
	audit   *utils.AuditLogger
	events  EventPublisher
}

// NewManager wires a lifecycle manager. logger is required; audit and
// events may be nil.
func NewManager(cfg ManagerConfig, gateway Gateway, store *Store, signer *Signer, logger *utils.Logger, audit *utils.AuditLogger, events EventPublisher) (*Manager, error) {
	if gateway == nil || store == nil || signer == nil || logger == nil {
		return nil, fmt.Errorf("channel manager: gateway, store, signer and logger are required")
	}
	if cfg.InitDeposit == nil || cfg.InitDeposit.Sign() <= 0 {
		return nil, fmt.Errorf("channel manager: init deposit must be positive")
	}
	if cfg.MaxDeposit == nil || cfg.MaxDeposit.Cmp(cfg.InitDeposit) < 0 {
		return nil, fmt.Errorf("channel manager: max deposit must be >= init deposit")
	}
	return &Manager{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		signer:  signer,
		logger:  logger,
		audit:   audit,
		events:  events,
	}, nil
}

// LocalAddress returns the node's settlement address
func (m *Manager) LocalAddress() Address { return m.signer.Address() }

// Store exposes the channel cache for read-side collaborators
func (m *Manager) Store() *Store { return m.store }

// EnsureOpen returns the channel for (payer, payee), opening it on the
// ledger when absent. Opening is only possible when the local node is the
// payer; inbound channels are opened by the client via
// EnsureOpenFromClientSignatures. A failed open caches nothing.
func (m *Manager) EnsureOpen(ctx context.Context, payer, payee Address) (*PaymentChannel, error) {
	id, err := Identity(payer, payee)
	if err != nil {
		return nil, err
	}
	if ch, ok := m.store.Get(id); ok && ch.State == StateOpen {
		return ch, nil
	}

	ch, err := m.gateway.GetChannelInfo(ctx, payer, payee)
	if err == nil {
		return m.adoptOpenChannel(id, ch, nil), nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return nil, err
	}

	if payer != m.signer.Address() {
		return nil, fmt.Errorf("%w: cannot open %s->%s", ErrNotLocalPayer, payer, payee)
	}
	deposit := new(big.Int).Set(m.cfg.InitDeposit)
	if deposit.Cmp(m.cfg.MaxDeposit) > 0 {
		return nil, ErrDepositCeiling
	}

	m.logger.InfoContext(ctx, "opening outbound channel",
		utils.ZapString("payee", payee.String()),
		utils.ZapString("deposit", deposit.String()))

	if err := m.gateway.ApproveAllowanceAsPayer(ctx, deposit); err != nil {
		return nil, err
	}
	opened, err := m.gateway.OpenChannelAsPayer(ctx, payee, deposit)
	if err != nil {
		return nil, err
	}

	result := m.adoptOpenChannel(id, opened, nil)
	m.auditInfo(ctx, "channel_opened", map[string]interface{}{
		"payer":   payer.String(),
		"payee":   payee.String(),
		"deposit": result.Deposit.String(),
		"channel": id.Hex(),
	})
	m.publishOpened(ctx, result)
	return result, nil
}

// EnsureOpenFromClientSignatures opens the client->superpeer channel from
// pre-signed payloads supplied by the remote payer. The zero-balance
// attestation seeds the stored pair so a close is possible before any
// payment flows.
func (m *Manager) EnsureOpenFromClientSignatures(ctx context.Context, payer, payee Address, signedApproveTx, signedOpenTx string, zeroBalanceSig []byte) (*PaymentChannel, error) {
	id, err := Identity(payer, payee)
	if err != nil {
		return nil, err
	}
	if ch, ok := m.store.Get(id); ok && ch.State == StateOpen {
		return ch, nil
	}

	ch, err := m.gateway.GetChannelInfo(ctx, payer, payee)
	if err == nil {
		return m.adoptOpenChannel(id, ch, zeroBalanceSig), nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return nil, err
	}

	zero := new(big.Int)
	if !Verify(zeroBalanceSig, payer, BalancePayload(payee, zero)) {
		m.auditSecurity(ctx, "channel_open_bad_zero_attestation", map[string]interface{}{
			"payer": payer.String(),
			"payee": payee.String(),
		})
		return nil, fmt.Errorf("%w: zero balance attestation", ErrInvalidAttestation)
	}

	deposit := new(big.Int).Set(m.cfg.InitDeposit)
	if err := m.gateway.ApproveAllowance(ctx, payer, deposit, signedApproveTx); err != nil {
		return nil, err
	}
	opened, err := m.gateway.OpenChannel(ctx, payer, payee, deposit, signedOpenTx)
	if err != nil {
		return nil, err
	}

	result := m.adoptOpenChannel(id, opened, zeroBalanceSig)
	m.auditInfo(ctx, "channel_opened_by_client", map[string]interface{}{
		"payer":   payer.String(),
		"payee":   payee.String(),
		"deposit": result.Deposit.String(),
		"channel": id.Hex(),
	})
	m.publishOpened(ctx, result)
	return result, nil
}

// RecordBalanceUpdate stores a fresh balance attestation for the channel.
// Only strictly greater balance values move the stored state; equal or
// lesser values are accepted without effect so replayed or stale updates
// stay harmless. Returns the post-update snapshot and whether it changed.
func (m *Manager) RecordBalanceUpdate(ctx context.Context, id ID, newBalance *big.Int, sig []byte) (*PaymentChannel, bool, error) {
	var updated bool
	var snapshot *PaymentChannel

	err := m.store.Update(id, func(ch *PaymentChannel) error {
		if ch.PayeeBalance == nil || newBalance.Cmp(ch.PayeeBalance) > 0 {
			ch.PayeeBalance = new(big.Int).Set(newBalance)
			ch.Attestations.Balance = &Attestation{
				Sig:     append([]byte(nil), sig...),
				Balance: new(big.Int).Set(newBalance),
			}
			updated = true
		}
		snapshot = ch.Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if updated {
		m.auditInfo(ctx, "balance_updated", map[string]interface{}{
			"channel": id.Hex(),
			"balance": newBalance.String(),
		})
		m.publishBalance(ctx, snapshot)
	} else {
		m.logger.DebugContext(ctx, "stale balance update ignored",
			utils.ZapString("channel", id.Hex()),
			utils.ZapString("balance", newBalance.String()))
	}
	return snapshot, updated, nil
}

// SendPayment moves amount to payee on the outbound channel: ensures the
// channel is open, advances the cumulative balance, and signs a fresh
// balance attestation. The returned attestation is what the transport
// forwards to the peer.
func (m *Manager) SendPayment(ctx context.Context, payee Address, amount *big.Int) (*Attestation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("channel: payment amount must be positive")
	}
	local := m.signer.Address()
	if _, err := m.EnsureOpen(ctx, local, payee); err != nil {
		return nil, err
	}
	id, err := Identity(local, payee)
	if err != nil {
		return nil, err
	}

	var att *Attestation
	var snapshot *PaymentChannel
	err = m.store.Update(id, func(ch *PaymentChannel) error {
		newBalance := new(big.Int).Add(ch.PayeeBalance, amount)
		if ch.Deposit != nil && newBalance.Cmp(ch.Deposit) > 0 {
			return fmt.Errorf("%w: %s > deposit %s", ErrInsufficientDeposit, newBalance, ch.Deposit)
		}
		sig := m.signer.SignBalanceAttestation(payee, newBalance)
		ch.PayeeBalance = newBalance
		ch.Attestations.Balance = &Attestation{Sig: sig, Balance: new(big.Int).Set(newBalance)}
		att = ch.Attestations.Balance.Clone()
		snapshot = ch.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.auditInfo(ctx, "payment_sent", map[string]interface{}{
		"payee":   payee.String(),
		"amount":  amount.String(),
		"balance": att.Balance.String(),
	})
	m.publishBalance(ctx, snapshot)
	return att, nil
}

// CooperativeClose reconciles the attestation pair, verifies both
// signatures, submits the cooperative close, and drops the channel from
// the cache on success. Failures leave the cached channel intact so a
// later request can retry.
func (m *Manager) CooperativeClose(ctx context.Context, id ID, role Role) error {
	snapshot, ok := m.store.Get(id)
	if !ok {
		if m.store.RecentlyClosed(id) {
			m.logger.WarnContext(ctx, "close requested for recently settled channel",
				utils.ZapString("channel", id.Hex()))
		}
		return ErrChannelNotFound
	}

	balanceAtt, closingAtt, err := m.store.ReconcileForClose(id, role, m.signer)
	if err != nil {
		m.auditWarn(ctx, "close_reconcile_failed", map[string]interface{}{
			"channel": id.Hex(),
			"role":    role.String(),
			"error":   err.Error(),
		})
		return err
	}

	// Both signatures are checked against the parties authorized to
	// produce them before anything reaches the ledger.
	if !Verify(balanceAtt.Sig, snapshot.Payer, BalancePayload(snapshot.Payee, balanceAtt.Balance)) {
		m.auditSecurity(ctx, "close_bad_balance_attestation", map[string]interface{}{
			"channel": id.Hex(),
			"payer":   snapshot.Payer.String(),
		})
		return fmt.Errorf("%w: balance attestation", ErrInvalidAttestation)
	}
	if !Verify(closingAtt.Sig, m.signer.Address(), ClosingPayload(snapshot.Payer, closingAtt.Balance)) {
		return fmt.Errorf("%w: closing attestation", ErrInvalidAttestation)
	}

	_ = m.store.Update(id, func(ch *PaymentChannel) error {
		ch.State = StateClosing
		return nil
	})

	err = m.gateway.CloseChannelCooperative(ctx, snapshot.Payer, snapshot.Payee,
		balanceAtt.Balance, balanceAtt.Sig, closingAtt.Sig)
	if err != nil {
		_ = m.store.Update(id, func(ch *PaymentChannel) error {
			ch.State = StateOpen
			return nil
		})
		return err
	}

	m.store.Remove(id)
	m.auditInfo(ctx, "channel_closed", map[string]interface{}{
		"channel": id.Hex(),
		"role":    role.String(),
		"balance": balanceAtt.Balance.String(),
	})
	if m.events != nil {
		if pubErr := m.events.ChannelClosed(ctx, snapshot.Payer, snapshot.Payee, balanceAtt.Balance); pubErr != nil {
			m.logger.WarnContext(ctx, "channel close event publish failed", utils.ZapError(pubErr))
		}
	}
	return nil
}

// CloseBothDirections closes the inbound and outbound channels with peer,
// continuing past a missing direction. Used by the operator console.
func (m *Manager) CloseBothDirections(ctx context.Context, peer Address) error {
	local := m.signer.Address()
	var firstErr error

	if inboundID, err := Identity(peer, local); err == nil {
		if err := m.CooperativeClose(ctx, inboundID, RolePayee); err != nil && !errors.Is(err, ErrChannelNotFound) {
			firstErr = err
		}
	}
	if outboundID, err := Identity(local, peer); err == nil {
		if err := m.CooperativeClose(ctx, outboundID, RolePayer); err != nil && !errors.Is(err, ErrChannelNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// adoptOpenChannel caches a ledger-read channel, seeding the zero-value
// attestation pair when the entry is new. An existing cached entry keeps
// its attestations; the ledger view only refreshes deposit and open block.
func (m *Manager) adoptOpenChannel(id ID, ch *PaymentChannel, clientZeroSig []byte) *PaymentChannel {
	if existing, ok := m.store.Get(id); ok {
		_ = m.store.Update(id, func(cached *PaymentChannel) error {
			cached.Deposit = new(big.Int).Set(ch.Deposit)
			cached.OpenBlock = ch.OpenBlock
			cached.State = StateOpen
			return nil
		})
		existing.Deposit = new(big.Int).Set(ch.Deposit)
		existing.OpenBlock = ch.OpenBlock
		existing.State = StateOpen
		return existing
	}

	adopted := ch.Clone()
	adopted.State = StateOpen
	if adopted.PayeeBalance == nil {
		adopted.PayeeBalance = new(big.Int)
	}

	zero := new(big.Int)
	if adopted.Attestations.Balance == nil {
		var balanceSig []byte
		if clientZeroSig != nil {
			balanceSig = append([]byte(nil), clientZeroSig...)
		} else if adopted.Payer == m.signer.Address() {
			balanceSig = m.signer.SignBalanceAttestation(adopted.Payee, zero)
		}
		if balanceSig != nil {
			adopted.Attestations.Balance = &Attestation{Sig: balanceSig, Balance: new(big.Int)}
		}
	}
	if adopted.Attestations.Closing == nil {
		adopted.Attestations.Closing = &Attestation{
			Sig:     m.signer.SignClosingAttestation(adopted.Payer, zero),
			Balance: new(big.Int),
		}
	}

	m.store.Put(id, adopted)
	return adopted.Clone()
}

func (m *Manager) publishOpened(ctx context.Context, ch *PaymentChannel) {
	if m.events == nil || ch == nil {
		return
	}
	if err := m.events.ChannelOpened(ctx, ch); err != nil {
		m.logger.WarnContext(ctx, "channel open event publish failed", utils.ZapError(err))
	}
}

func (m *Manager) publishBalance(ctx context.Context, ch *PaymentChannel) {
	if m.events == nil || ch == nil {
		return
	}
	if err := m.events.BalanceUpdated(ctx, ch); err != nil {
		m.logger.WarnContext(ctx, "balance event publish failed", utils.ZapError(err))
	}
}

func (m *Manager) auditInfo(ctx context.Context, event string, fields map[string]interface{}) {
	if m.audit != nil {
		_ = m.audit.LogContext(ctx, event, utils.AuditInfo, fields)
	}
}

func (m *Manager) auditWarn(ctx context.Context, event string, fields map[string]interface{}) {
	if m.audit != nil {
		_ = m.audit.LogContext(ctx, event, utils.AuditWarn, fields)
	}
}

func (m *Manager) auditSecurity(ctx context.Context, event string, fields map[string]interface{}) {
	if m.audit != nil {
		_ = m.audit.LogContext(ctx, event, utils.AuditSecurity, fields)
	}
}
