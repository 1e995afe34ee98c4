package dispatch

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"sync"
	"testing"
	"time"

	"superpeer/pkg/channel"
	"superpeer/pkg/protocol"
	"superpeer/pkg/utils"
)

// fakeLedger is an in-memory stand-in for the ledger gateway.
type fakeLedger struct {
	mu       sync.Mutex
	local    channel.Address
	channels map[string]*channel.PaymentChannel

	openCalls      int
	openLocalCalls int
	closeCalls     int
}

func newFakeLedger(local channel.Address) *fakeLedger {
	return &fakeLedger{local: local, channels: make(map[string]*channel.PaymentChannel)}
}

func (f *fakeLedger) key(payer, payee channel.Address) string {
	return string(payer) + "|" + string(payee)
}

func (f *fakeLedger) GetNonce(context.Context, channel.Address) (uint64, error) { return 3, nil }

func (f *fakeLedger) GetEtherBalance(context.Context, channel.Address) (*big.Int, error) {
	return big.NewInt(900), nil
}

func (f *fakeLedger) GetTokenBalance(context.Context, channel.Address) (*big.Int, error) {
	return big.NewInt(400), nil
}

func (f *fakeLedger) GetChannelInfo(_ context.Context, payer, payee channel.Address) (*channel.PaymentChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[f.key(payer, payee)]; ok {
		return ch.Clone(), nil
	}
	return nil, channel.ErrChannelNotFound
}

func (f *fakeLedger) ApproveAllowance(context.Context, channel.Address, *big.Int, string) error {
	return nil
}

func (f *fakeLedger) OpenChannel(_ context.Context, payer, payee channel.Address, amount *big.Int, _ string) (*channel.PaymentChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	ch := &channel.PaymentChannel{
		Payer:        payer,
		Payee:        payee,
		Deposit:      new(big.Int).Set(amount),
		OpenBlock:    21,
		PayeeBalance: new(big.Int),
		State:        channel.StateOpen,
	}
	f.channels[f.key(payer, payee)] = ch
	return ch.Clone(), nil
}

func (f *fakeLedger) ApproveAllowanceAsPayer(context.Context, *big.Int) error { return nil }

func (f *fakeLedger) OpenChannelAsPayer(_ context.Context, payee channel.Address, amount *big.Int) (*channel.PaymentChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openLocalCalls++
	ch := &channel.PaymentChannel{
		Payer:        f.local,
		Payee:        payee,
		Deposit:      new(big.Int).Set(amount),
		OpenBlock:    22,
		PayeeBalance: new(big.Int),
		State:        channel.StateOpen,
	}
	f.channels[f.key(f.local, payee)] = ch
	return ch.Clone(), nil
}

func (f *fakeLedger) CloseChannelCooperative(_ context.Context, payer, payee channel.Address, _ *big.Int, _, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	delete(f.channels, f.key(payer, payee))
	return nil
}

// captureSender records outbound replies for assertions.
type captureSender struct {
	ch chan capturedReply
}

type capturedReply struct {
	peer channel.Address
	data []byte
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan capturedReply, 32)}
}

func (c *captureSender) SendReliable(_ context.Context, peer channel.Address, data []byte) error {
	c.ch <- capturedReply{peer: peer, data: data}
	return nil
}

type harness struct {
	dispatcher *Dispatcher
	sender     *captureSender
	codec      *protocol.Codec
	ledger     *fakeLedger
	manager    *channel.Manager
	local      *channel.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := utils.CreateTestLogger()

	_, localKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	local := channel.NewSignerFromKey(localKey, "hub")

	ledger := newFakeLedger(local.Address())
	store := channel.NewStore()
	manager, err := channel.NewManager(channel.ManagerConfig{
		InitDeposit: big.NewInt(100),
		MaxDeposit:  big.NewInt(1000),
	}, ledger, store, local, logger, nil, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	codec, err := protocol.NewCodec(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	handlers, err := NewHandlers(manager, ledger, codec, logger, nil)
	if err != nil {
		t.Fatalf("handlers: %v", err)
	}

	sender := newCaptureSender()
	dispatcher, err := NewDispatcher(Config{
		QueueSize:       32,
		WorkerCount:     4,
		ShutdownTimeout: 2 * time.Second,
	}, handlers, sender, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = dispatcher.Stop() })

	return &harness{
		dispatcher: dispatcher,
		sender:     sender,
		codec:      codec,
		ledger:     ledger,
		manager:    manager,
		local:      local,
	}
}

func newClient(t *testing.T) *channel.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return channel.NewSignerFromKey(key, "client")
}

func (h *harness) send(t *testing.T, from *channel.Signer, env *protocol.Envelope) *protocol.Response {
	t.Helper()
	data, err := h.codec.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if !h.dispatcher.Enqueue(InboundEvent{Peer: from.Address(), Data: data}) {
		t.Fatal("enqueue refused")
	}
	select {
	case reply := <-h.sender.ch:
		if reply.peer != from.Address() {
			t.Fatalf("reply went to %s, want %s", reply.peer, from.Address())
		}
		resp, err := h.codec.DecodeResponse(reply.data)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no reply within deadline")
		return nil
	}
}

func (h *harness) expectSilence(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case reply := <-h.sender.ch:
		t.Fatalf("unexpected reply: %x", reply.data)
	case <-time.After(wait):
	}
}

func (h *harness) openInbound(t *testing.T, client *channel.Signer) {
	t.Helper()
	resp := h.send(t, client, &protocol.Envelope{
		Method: protocol.MethodOpenChannelToSP,
		Request: protocol.Request{
			SignedApproveTx: "0xaa",
			SignedOpenTx:    "0xbb",
			ZeroBalanceSig:  client.SignBalanceAttestation(h.local.Address(), new(big.Int)),
		},
	})
	if resp.Status != protocol.StatusOK {
		t.Fatalf("open failed: %s", resp.Message)
	}
}

func TestGetAllOpensOutboundChannel(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)

	resp := h.send(t, client, &protocol.Envelope{Method: protocol.MethodGetAll})
	if resp.Status != protocol.StatusOK {
		t.Fatalf("getAll failed: %s", resp.Message)
	}
	if resp.Nonce != "3" || resp.EtherBalance != "900" || resp.TokenBalance != "400" {
		t.Fatalf("account view wrong: %+v", resp)
	}
	if resp.Outbound == nil {
		t.Fatal("outbound channel not opened on demand")
	}
	if resp.Outbound.Sender != h.local.Address().String() || resp.Outbound.Receiver != client.Address().String() {
		t.Fatalf("outbound parties wrong: %+v", resp.Outbound)
	}
	if resp.Inbound != nil {
		t.Fatal("inbound channel reported before the client opened one")
	}

	// Repeat view must not open another channel.
	_ = h.send(t, client, &protocol.Envelope{Method: protocol.MethodGetAll})
	if h.ledger.openLocalCalls != 1 {
		t.Fatalf("outbound opened %d times, want once", h.ledger.openLocalCalls)
	}
}

func TestOpenChannelToSuperpeer(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)

	h.openInbound(t, client)
	if h.ledger.openCalls != 1 {
		t.Fatalf("open submitted %d times", h.ledger.openCalls)
	}

	// Both directions visible afterwards.
	resp := h.send(t, client, &protocol.Envelope{Method: protocol.MethodGetAll})
	if resp.Inbound == nil || resp.Inbound.Sender != client.Address().String() {
		t.Fatalf("inbound channel missing from view: %+v", resp.Inbound)
	}
}

func TestOpenChannelRejectsForgedAttestation(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)
	forger := newClient(t)

	resp := h.send(t, client, &protocol.Envelope{
		Method: protocol.MethodOpenChannelToSP,
		Request: protocol.Request{
			SignedApproveTx: "0xaa",
			SignedOpenTx:    "0xbb",
			ZeroBalanceSig:  forger.SignBalanceAttestation(h.local.Address(), new(big.Int)),
		},
	})
	if resp.Status != protocol.StatusError {
		t.Fatal("forged zero attestation accepted")
	}
	if h.ledger.openCalls != 0 {
		t.Fatal("forged open reached the ledger")
	}
}

func TestActiveBalanceUpdate(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)
	h.openInbound(t, client)

	update := func(v int64) *protocol.Response {
		return h.send(t, client, &protocol.Envelope{
			Method: protocol.MethodActiveBalanceUpdate,
			Request: protocol.Request{
				BalanceValue: big.NewInt(v).String(),
				BalanceSig:   client.SignBalanceAttestation(h.local.Address(), big.NewInt(v)),
			},
		})
	}

	resp := update(10)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("update failed: %s", resp.Message)
	}
	if resp.Inbound.PayeeBalance != "10" {
		t.Fatalf("balance %s, want 10", resp.Inbound.PayeeBalance)
	}
	// The superpeer's stored closing attestation still commits to zero and
	// is returned so the client holds a settleable pair.
	if resp.ClosingValue != "0" || len(resp.ClosingSig) == 0 {
		t.Fatalf("closing attestation not returned: %+v", resp)
	}
	if !channel.Verify(resp.ClosingSig, h.local.Address(),
		channel.ClosingPayload(client.Address(), new(big.Int))) {
		t.Fatal("returned closing attestation does not verify")
	}

	// Stale value acknowledged without effect.
	resp = update(5)
	if resp.Status != protocol.StatusOK || resp.Inbound.PayeeBalance != "10" {
		t.Fatalf("stale update mishandled: %+v", resp)
	}

	resp = update(25)
	if resp.Inbound.PayeeBalance != "25" {
		t.Fatalf("balance %s, want 25", resp.Inbound.PayeeBalance)
	}
}

func TestActiveBalanceUpdateRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)
	h.openInbound(t, client)

	resp := h.send(t, client, &protocol.Envelope{
		Method: protocol.MethodActiveBalanceUpdate,
		Request: protocol.Request{
			BalanceValue: "10",
			// Signed over a different value than claimed.
			BalanceSig: client.SignBalanceAttestation(h.local.Address(), big.NewInt(99)),
		},
	})
	if resp.Status != protocol.StatusError {
		t.Fatal("mismatched attestation accepted")
	}
}

func TestCloseClientToSuperpeer(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)
	h.openInbound(t, client)

	_ = h.send(t, client, &protocol.Envelope{
		Method: protocol.MethodActiveBalanceUpdate,
		Request: protocol.Request{
			BalanceValue: "40",
			BalanceSig:   client.SignBalanceAttestation(h.local.Address(), big.NewInt(40)),
		},
	})

	resp := h.send(t, client, &protocol.Envelope{Method: protocol.MethodCloseClientToSP})
	if resp.Status != protocol.StatusOK {
		t.Fatalf("close failed: %s", resp.Message)
	}
	if h.ledger.closeCalls != 1 {
		t.Fatalf("close submitted %d times", h.ledger.closeCalls)
	}

	// A second close finds nothing.
	resp = h.send(t, client, &protocol.Envelope{Method: protocol.MethodCloseClientToSP})
	if resp.Status != protocol.StatusError || resp.Message != "channel not found" {
		t.Fatalf("second close: %+v", resp)
	}
}

func TestCloseSuperpeerToClient(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)

	// getAll opens the outbound channel with a zero-aligned pair.
	_ = h.send(t, client, &protocol.Envelope{Method: protocol.MethodGetAll})

	resp := h.send(t, client, &protocol.Envelope{Method: protocol.MethodCloseSPToClient})
	if resp.Status != protocol.StatusOK {
		t.Fatalf("close failed: %s", resp.Message)
	}
	if h.ledger.closeCalls != 1 {
		t.Fatalf("close submitted %d times", h.ledger.closeCalls)
	}
}

func TestUnknownMethodAndGarbageAreDropped(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)

	data, err := h.codec.EncodeEnvelope(&protocol.Envelope{Method: "renegotiate"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.dispatcher.Enqueue(InboundEvent{Peer: client.Address(), Data: data})
	h.dispatcher.Enqueue(InboundEvent{Peer: client.Address(), Data: []byte{0xff, 0x00, 0x13}})
	h.expectSilence(t, 300*time.Millisecond)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	h := newHarness(t)
	client := newClient(t)

	data, err := h.codec.EncodeEnvelope(&protocol.Envelope{Method: protocol.MethodGetAll})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !h.dispatcher.Enqueue(InboundEvent{Peer: client.Address(), Data: data}) {
		t.Fatal("enqueue refused")
	}
	if err := h.dispatcher.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-h.sender.ch:
	default:
		t.Fatal("queued request lost during shutdown")
	}

	if h.dispatcher.Enqueue(InboundEvent{Peer: client.Address(), Data: data}) {
		t.Fatal("enqueue accepted after stop")
	}
}
