package channel

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"superpeer/pkg/utils"
)

// fakeGateway is an in-memory ledger double counting every submission.
type fakeGateway struct {
	mu       sync.Mutex
	local    Address
	channels map[string]*PaymentChannel

	approveCalls      int
	openCalls         int
	approveLocalCalls int
	openLocalCalls    int
	closeCalls        int

	closeErr error
	openErr  error
}

func newFakeGateway(local Address) *fakeGateway {
	return &fakeGateway{local: local, channels: make(map[string]*PaymentChannel)}
}

func (g *fakeGateway) key(payer, payee Address) string { return string(payer) + "|" + string(payee) }

func (g *fakeGateway) GetNonce(context.Context, Address) (uint64, error) { return 3, nil }

func (g *fakeGateway) GetEtherBalance(context.Context, Address) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (g *fakeGateway) GetTokenBalance(context.Context, Address) (*big.Int, error) {
	return big.NewInt(500_000), nil
}

func (g *fakeGateway) GetChannelInfo(_ context.Context, payer, payee Address) (*PaymentChannel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.channels[g.key(payer, payee)]; ok {
		return ch.Clone(), nil
	}
	return nil, ErrChannelNotFound
}

func (g *fakeGateway) ApproveAllowance(context.Context, Address, *big.Int, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approveCalls++
	return nil
}

func (g *fakeGateway) OpenChannel(_ context.Context, payer, payee Address, amount *big.Int, _ string) (*PaymentChannel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCalls++
	if g.openErr != nil {
		return nil, g.openErr
	}
	ch := &PaymentChannel{
		Payer:        payer,
		Payee:        payee,
		Deposit:      new(big.Int).Set(amount),
		OpenBlock:    11,
		PayeeBalance: new(big.Int),
		State:        StateOpen,
	}
	g.channels[g.key(payer, payee)] = ch
	return ch.Clone(), nil
}

func (g *fakeGateway) ApproveAllowanceAsPayer(context.Context, *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approveLocalCalls++
	return nil
}

func (g *fakeGateway) OpenChannelAsPayer(_ context.Context, payee Address, amount *big.Int) (*PaymentChannel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openLocalCalls++
	if g.openErr != nil {
		return nil, g.openErr
	}
	ch := &PaymentChannel{
		Payer:        g.local,
		Payee:        payee,
		Deposit:      new(big.Int).Set(amount),
		OpenBlock:    12,
		PayeeBalance: new(big.Int),
		State:        StateOpen,
	}
	g.channels[g.key(g.local, payee)] = ch
	return ch.Clone(), nil
}

func (g *fakeGateway) CloseChannelCooperative(_ context.Context, payer, payee Address, _ *big.Int, _, _ []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	if g.closeErr != nil {
		return g.closeErr
	}
	delete(g.channels, g.key(payer, payee))
	return nil
}

func newTestManager(t *testing.T, local *Signer) (*Manager, *fakeGateway, *Store) {
	t.Helper()
	gw := newFakeGateway(local.Address())
	store := NewStore()
	m, err := NewManager(ManagerConfig{
		InitDeposit: big.NewInt(100),
		MaxDeposit:  big.NewInt(1000),
	}, gw, store, local, utils.CreateTestLogger(), nil, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m, gw, store
}

func TestEnsureOpenOpensOutboundOnce(t *testing.T) {
	local := testSigner(t, "local")
	peer := testSigner(t, "peer")
	m, gw, _ := newTestManager(t, local)
	ctx := context.Background()

	first, err := m.EnsureOpen(ctx, local.Address(), peer.Address())
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first.Deposit.Int64() != 100 {
		t.Fatalf("deposit %s, want init deposit", first.Deposit)
	}

	if _, err := m.EnsureOpen(ctx, local.Address(), peer.Address()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if gw.openLocalCalls != 1 || gw.approveLocalCalls != 1 {
		t.Fatalf("open/approve submitted %d/%d times, want once", gw.openLocalCalls, gw.approveLocalCalls)
	}
}

func TestEnsureOpenRefusesForeignPayer(t *testing.T) {
	local := testSigner(t, "local")
	peer := testSigner(t, "peer")
	m, gw, _ := newTestManager(t, local)

	_, err := m.EnsureOpen(context.Background(), peer.Address(), local.Address())
	if !errors.Is(err, ErrNotLocalPayer) {
		t.Fatalf("want ErrNotLocalPayer, got %v", err)
	}
	if gw.openCalls+gw.openLocalCalls != 0 {
		t.Fatal("nothing should reach the ledger for a foreign payer")
	}
}

func TestEnsureOpenFailureCachesNothing(t *testing.T) {
	local := testSigner(t, "local")
	peer := testSigner(t, "peer")
	m, gw, store := newTestManager(t, local)
	gw.openErr = errors.New("gas spike")

	if _, err := m.EnsureOpen(context.Background(), local.Address(), peer.Address()); err == nil {
		t.Fatal("open should fail")
	}
	if store.Len() != 0 {
		t.Fatal("failed open left a cached channel")
	}
}

func TestEnsureOpenFromClientSignatures(t *testing.T) {
	local := testSigner(t, "local")
	client := testSigner(t, "client")
	m, gw, store := newTestManager(t, local)
	ctx := context.Background()

	zeroSig := client.SignBalanceAttestation(local.Address(), new(big.Int))
	ch, err := m.EnsureOpenFromClientSignatures(ctx, client.Address(), local.Address(), "0xaa", "0xbb", zeroSig)
	if err != nil {
		t.Fatalf("open from client: %v", err)
	}
	if gw.approveCalls != 1 || gw.openCalls != 1 {
		t.Fatalf("approve/open calls %d/%d, want 1/1", gw.approveCalls, gw.openCalls)
	}
	if ch.Attestations.Balance == nil || ch.Attestations.Balance.Balance.Sign() != 0 {
		t.Fatal("zero-value balance attestation not seeded")
	}
	if ch.Attestations.Closing == nil {
		t.Fatal("closing attestation not seeded")
	}
	if store.Len() != 1 {
		t.Fatal("channel not cached")
	}
}

func TestEnsureOpenFromClientSignaturesRejectsBadAttestation(t *testing.T) {
	local := testSigner(t, "local")
	client := testSigner(t, "client")
	forger := testSigner(t, "forger")
	m, gw, store := newTestManager(t, local)

	badSig := forger.SignBalanceAttestation(local.Address(), new(big.Int))
	_, err := m.EnsureOpenFromClientSignatures(context.Background(), client.Address(), local.Address(), "0xaa", "0xbb", badSig)
	if !errors.Is(err, ErrInvalidAttestation) {
		t.Fatalf("want ErrInvalidAttestation, got %v", err)
	}
	if gw.approveCalls != 0 || gw.openCalls != 0 {
		t.Fatal("forged attestation must not reach the ledger")
	}
	if store.Len() != 0 {
		t.Fatal("forged open left cached state")
	}
}

func TestRecordBalanceUpdateIsMonotonic(t *testing.T) {
	local := testSigner(t, "local")
	client := testSigner(t, "client")
	m, _, store := newTestManager(t, local)
	ctx := context.Background()

	id, _ := Identity(client.Address(), local.Address())
	store.Put(id, testChannel(client, local, 100))

	sign := func(v int64) []byte {
		return client.SignBalanceAttestation(local.Address(), big.NewInt(v))
	}

	snap, updated, err := m.RecordBalanceUpdate(ctx, id, big.NewInt(10), sign(10))
	if err != nil || !updated {
		t.Fatalf("first update: updated=%v err=%v", updated, err)
	}
	if snap.PayeeBalance.Int64() != 10 {
		t.Fatalf("balance %s, want 10", snap.PayeeBalance)
	}

	// A lower value is accepted but changes nothing.
	snap, updated, err = m.RecordBalanceUpdate(ctx, id, big.NewInt(5), sign(5))
	if err != nil || updated {
		t.Fatalf("stale update: updated=%v err=%v", updated, err)
	}
	if snap.PayeeBalance.Int64() != 10 || snap.Attestations.Balance.Balance.Int64() != 10 {
		t.Fatal("stale update rolled the balance back")
	}

	// Equal values are also no-ops.
	if _, updated, _ = m.RecordBalanceUpdate(ctx, id, big.NewInt(10), sign(10)); updated {
		t.Fatal("equal value reported as an update")
	}

	if _, updated, _ = m.RecordBalanceUpdate(ctx, id, big.NewInt(60), sign(60)); !updated {
		t.Fatal("greater value not applied")
	}
}

func TestSendPaymentRespectsDeposit(t *testing.T) {
	local := testSigner(t, "local")
	peer := testSigner(t, "peer")
	m, _, _ := newTestManager(t, local)
	ctx := context.Background()

	att, err := m.SendPayment(ctx, peer.Address(), big.NewInt(60))
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if att.Balance.Int64() != 60 {
		t.Fatalf("cumulative balance %s, want 60", att.Balance)
	}
	if !Verify(att.Sig, local.Address(), BalancePayload(peer.Address(), big.NewInt(60))) {
		t.Fatal("payment attestation does not verify")
	}

	// Deposit is 100; another 50 would overdraw.
	if _, err := m.SendPayment(ctx, peer.Address(), big.NewInt(50)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("want ErrInsufficientDeposit, got %v", err)
	}

	att, err = m.SendPayment(ctx, peer.Address(), big.NewInt(40))
	if err != nil {
		t.Fatalf("payment to exactly the deposit: %v", err)
	}
	if att.Balance.Int64() != 100 {
		t.Fatalf("cumulative balance %s, want 100", att.Balance)
	}
}

func TestCooperativeCloseSettlesAndForgets(t *testing.T) {
	local := testSigner(t, "local")
	client := testSigner(t, "client")
	m, gw, store := newTestManager(t, local)
	ctx := context.Background()

	id, _ := Identity(client.Address(), local.Address())
	ch := testChannel(client, local, 100)
	seedAligned(ch, client, local, 0)
	ch.Attestations.Balance = &Attestation{
		Sig:     client.SignBalanceAttestation(local.Address(), big.NewInt(30)),
		Balance: big.NewInt(30),
	}
	store.Put(id, ch)

	if err := m.CooperativeClose(ctx, id, RolePayee); err != nil {
		t.Fatalf("close: %v", err)
	}
	if gw.closeCalls != 1 {
		t.Fatalf("close submitted %d times", gw.closeCalls)
	}
	if _, ok := store.Get(id); ok {
		t.Fatal("settled channel still cached")
	}
	if !store.RecentlyClosed(id) {
		t.Fatal("settled identity not remembered")
	}

	if err := m.CooperativeClose(ctx, id, RolePayee); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("second close: want ErrChannelNotFound, got %v", err)
	}
}

func TestCooperativeCloseFailureKeepsChannel(t *testing.T) {
	local := testSigner(t, "local")
	client := testSigner(t, "client")
	m, gw, store := newTestManager(t, local)
	gw.closeErr = errors.New("ledger unavailable")

	id, _ := Identity(client.Address(), local.Address())
	ch := testChannel(client, local, 100)
	seedAligned(ch, client, local, 20)
	store.Put(id, ch)

	if err := m.CooperativeClose(context.Background(), id, RolePayee); err == nil {
		t.Fatal("close should propagate the gateway failure")
	}
	cached, ok := store.Get(id)
	if !ok {
		t.Fatal("failed close dropped the channel")
	}
	if cached.State != StateOpen {
		t.Fatalf("state %s after failed close, want open", cached.State)
	}
}
