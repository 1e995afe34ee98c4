package dispatch

import (
	"context"
	"errors"
	"fmt"

	"superpeer/pkg/channel"
	"superpeer/pkg/ledger"
	"superpeer/pkg/protocol"
	"superpeer/pkg/utils"
)

// Handlers routes decoded envelopes to the channel lifecycle. Each method
// handler returns the single response for the request; a nil response means
// the message was dropped on purpose (unknown method).
type Handlers struct {
	manager *channel.Manager
	gateway channel.Gateway
	codec   *protocol.Codec
	logger  *utils.Logger
	audit   *utils.AuditLogger
}

// NewHandlers wires the routing layer; audit may be nil.
func NewHandlers(manager *channel.Manager, gateway channel.Gateway, codec *protocol.Codec, logger *utils.Logger, audit *utils.AuditLogger) (*Handlers, error) {
	if manager == nil || gateway == nil || codec == nil || logger == nil {
		return nil, errors.New("dispatch: manager, gateway, codec and logger are required")
	}
	return &Handlers{
		manager: manager,
		gateway: gateway,
		codec:   codec,
		logger:  logger,
		audit:   audit,
	}, nil
}

// Handle routes one decoded envelope.
func (h *Handlers) Handle(ctx context.Context, peer channel.Address, env *protocol.Envelope) *protocol.Response {
	switch env.Method {
	case protocol.MethodGetAll:
		return h.handleGetAll(ctx, peer)
	case protocol.MethodOpenChannelToSP:
		return h.handleOpenChannel(ctx, peer, &env.Request)
	case protocol.MethodActiveBalanceUpdate:
		return h.handleBalanceUpdate(ctx, peer, &env.Request)
	case protocol.MethodCloseClientToSP:
		return h.handleCloseInbound(ctx, peer)
	case protocol.MethodCloseSPToClient:
		return h.handleCloseOutbound(ctx, peer)
	default:
		h.logger.WarnContext(ctx, "unknown method, ignoring",
			utils.ZapString("method", env.Method),
			utils.ZapString("peer", peer.String()))
		return nil
	}
}

// handleGetAll assembles the peer's full settlement view: account nonce and
// balances plus both channel directions. The outbound channel (this node
// paying the peer) is opened on the ledger here if it does not exist yet.
func (h *Handlers) handleGetAll(ctx context.Context, peer channel.Address) *protocol.Response {
	local := h.manager.LocalAddress()

	nonce, err := h.gateway.GetNonce(ctx, peer)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodGetAll, err)
	}
	ether, err := h.gateway.GetEtherBalance(ctx, peer)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodGetAll, err)
	}
	token, err := h.gateway.GetTokenBalance(ctx, peer)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodGetAll, err)
	}

	outbound, err := h.manager.EnsureOpen(ctx, local, peer)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodGetAll, err)
	}

	inbound, err := h.lookupChannel(ctx, peer, local)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodGetAll, err)
	}

	resp := protocol.OkResponse(protocol.MethodGetAll)
	resp.Nonce = fmt.Sprintf("%d", nonce)
	resp.EtherBalance = ether.String()
	resp.TokenBalance = token.String()
	resp.Inbound = protocol.WireChannelFrom(inbound)
	resp.Outbound = protocol.WireChannelFrom(outbound)
	return resp
}

// handleOpenChannel opens the peer->this-node channel from the peer's
// pre-signed transactions.
func (h *Handlers) handleOpenChannel(ctx context.Context, peer channel.Address, req *protocol.Request) *protocol.Response {
	if req.SignedApproveTx == "" || req.SignedOpenTx == "" || len(req.ZeroBalanceSig) == 0 {
		return protocol.ErrorResponse(protocol.MethodOpenChannelToSP, "missing signed transactions or zero balance attestation")
	}

	local := h.manager.LocalAddress()
	opened, err := h.manager.EnsureOpenFromClientSignatures(ctx, peer, local,
		req.SignedApproveTx, req.SignedOpenTx, req.ZeroBalanceSig)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodOpenChannelToSP, err)
	}

	resp := protocol.OkResponse(protocol.MethodOpenChannelToSP)
	resp.Inbound = protocol.WireChannelFrom(opened)
	return resp
}

// handleBalanceUpdate records a fresh payer-signed balance attestation on
// the inbound channel. The signature is verified before anything is stored;
// stale values are acknowledged without effect. When the stored closing
// attestation differs from what the peer reports holding, the reply carries
// the current one so the peer can settle unilaterally if this node vanishes.
func (h *Handlers) handleBalanceUpdate(ctx context.Context, peer channel.Address, req *protocol.Request) *protocol.Response {
	local := h.manager.LocalAddress()

	value, err := protocol.ParseBalance(req.BalanceValue)
	if err != nil {
		return protocol.ErrorResponse(protocol.MethodActiveBalanceUpdate, "bad balance value")
	}
	if len(req.BalanceSig) == 0 {
		return protocol.ErrorResponse(protocol.MethodActiveBalanceUpdate, "missing balance attestation")
	}

	if !h.codec.VerifyBalanceAttestation(req.BalanceSig, peer, local, value) {
		h.auditSecurity(ctx, "balance_update_bad_attestation", map[string]interface{}{
			"peer":    peer.String(),
			"balance": value.String(),
		})
		return protocol.ErrorResponse(protocol.MethodActiveBalanceUpdate, "invalid balance attestation")
	}

	id, err := channel.Identity(peer, local)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodActiveBalanceUpdate, err)
	}

	snapshot, updated, err := h.manager.RecordBalanceUpdate(ctx, id, value, req.BalanceSig)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodActiveBalanceUpdate, err)
	}

	resp := protocol.OkResponse(protocol.MethodActiveBalanceUpdate)
	resp.Inbound = protocol.WireChannelFrom(snapshot)
	if !updated {
		resp.Message = "balance unchanged"
	}
	if closing := snapshot.Attestations.Closing; closing != nil && req.ClosingValue != closing.Balance.String() {
		resp.ClosingValue = closing.Balance.String()
		resp.ClosingSig = closing.Sig
	}
	return resp
}

// handleCloseInbound settles the peer->this-node channel. This node is the
// payee, so reconciliation regenerates the closing attestation at the
// balance the peer last attested.
func (h *Handlers) handleCloseInbound(ctx context.Context, peer channel.Address) *protocol.Response {
	local := h.manager.LocalAddress()
	id, err := channel.Identity(peer, local)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodCloseClientToSP, err)
	}
	if err := h.manager.CooperativeClose(ctx, id, channel.RolePayee); err != nil {
		return h.errorResponse(ctx, protocol.MethodCloseClientToSP, err)
	}
	return protocol.OkResponse(protocol.MethodCloseClientToSP)
}

// handleCloseOutbound settles the this-node->peer channel at the peer's
// request. This node is the payer, so reconciliation regenerates the balance
// attestation at the closing attestation's value.
func (h *Handlers) handleCloseOutbound(ctx context.Context, peer channel.Address) *protocol.Response {
	local := h.manager.LocalAddress()
	id, err := channel.Identity(local, peer)
	if err != nil {
		return h.errorResponse(ctx, protocol.MethodCloseSPToClient, err)
	}
	if err := h.manager.CooperativeClose(ctx, id, channel.RolePayer); err != nil {
		return h.errorResponse(ctx, protocol.MethodCloseSPToClient, err)
	}
	return protocol.OkResponse(protocol.MethodCloseSPToClient)
}

// lookupChannel reads a channel from the cache, falling back to the ledger.
// A channel that exists nowhere returns (nil, nil); that direction simply
// has not been opened.
func (h *Handlers) lookupChannel(ctx context.Context, payer, payee channel.Address) (*channel.PaymentChannel, error) {
	id, err := channel.Identity(payer, payee)
	if err != nil {
		return nil, err
	}
	if ch, ok := h.manager.Store().Get(id); ok {
		return ch, nil
	}
	ch, err := h.gateway.GetChannelInfo(ctx, payer, payee)
	if errors.Is(err, channel.ErrChannelNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// errorResponse logs the failure and converts it to a wire error message.
// Ledger faults are reported by category rather than raw error text so
// internal endpoints never leak to peers.
func (h *Handlers) errorResponse(ctx context.Context, method string, err error) *protocol.Response {
	h.logger.WarnContext(ctx, "request failed",
		utils.ZapString("handler_method", method),
		utils.ZapError(err))
	return protocol.ErrorResponse(method, classifyError(err))
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, channel.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, channel.ErrInvalidAttestation):
		return "invalid attestation"
	case errors.Is(err, channel.ErrAttestationMismatch):
		return "attestation mismatch"
	case errors.Is(err, channel.ErrInsufficientDeposit):
		return "insufficient deposit"
	case errors.Is(err, channel.ErrNotLocalPayer):
		return "channel can only be opened by its payer"
	case errors.Is(err, channel.ErrDepositCeiling):
		return "deposit exceeds ceiling"
	case errors.Is(err, ledger.ErrNetwork):
		return "ledger unreachable"
	case errors.Is(err, ledger.ErrRejected):
		return "ledger rejected transaction"
	case errors.Is(err, ledger.ErrDecode):
		return "ledger response malformed"
	default:
		return "internal error"
	}
}

func (h *Handlers) auditSecurity(ctx context.Context, event string, fields map[string]interface{}) {
	if h.audit != nil {
		_ = h.audit.LogContext(ctx, event, utils.AuditSecurity, fields)
	}
}
