package channel

import (
	"errors"
	"math/big"
	"testing"
)

func testChannel(payer, payee *Signer, deposit int64) *PaymentChannel {
	return &PaymentChannel{
		Payer:        payer.Address(),
		Payee:        payee.Address(),
		Deposit:      big.NewInt(deposit),
		OpenBlock:    7,
		PayeeBalance: new(big.Int),
		State:        StateOpen,
	}
}

func seedAligned(ch *PaymentChannel, payer, local *Signer, value int64) {
	v := big.NewInt(value)
	ch.Attestations.Balance = &Attestation{
		Sig:     payer.SignBalanceAttestation(ch.Payee, v),
		Balance: new(big.Int).Set(v),
	}
	ch.Attestations.Closing = &Attestation{
		Sig:     local.SignClosingAttestation(ch.Payer, v),
		Balance: new(big.Int).Set(v),
	}
	ch.PayeeBalance = new(big.Int).Set(v)
}

func TestStoreGetReturnsCopies(t *testing.T) {
	payer := testSigner(t, "payer")
	payee := testSigner(t, "payee")
	id, _ := Identity(payer.Address(), payee.Address())

	s := NewStore()
	s.Put(id, testChannel(payer, payee, 100))

	first, ok := s.Get(id)
	if !ok {
		t.Fatal("channel missing after Put")
	}
	first.Deposit.SetInt64(9999)
	first.State = StateClosed

	second, _ := s.Get(id)
	if second.Deposit.Int64() != 100 || second.State != StateOpen {
		t.Fatal("mutation of a Get result leaked into the store")
	}
}

func TestStoreUpdateAbsent(t *testing.T) {
	s := NewStore()
	err := s.Update(ID{1}, func(*PaymentChannel) error { return nil })
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("want ErrChannelNotFound, got %v", err)
	}
}

func TestStoreRemoveMarksRecentlyClosed(t *testing.T) {
	payer := testSigner(t, "payer")
	payee := testSigner(t, "payee")
	id, _ := Identity(payer.Address(), payee.Address())

	s := NewStore()
	if s.RecentlyClosed(id) {
		t.Fatal("fresh identity must not read as recently closed")
	}
	s.Remove(id) // no entry, no marker
	if s.RecentlyClosed(id) {
		t.Fatal("removing an absent identity must not mark it closed")
	}

	s.Put(id, testChannel(payer, payee, 100))
	s.Remove(id)
	if _, ok := s.Get(id); ok {
		t.Fatal("channel survived Remove")
	}
	if !s.RecentlyClosed(id) {
		t.Fatal("settled identity should be remembered")
	}
}

// The payee holds a payer-signed balance attestation it cannot forge, so
// reconciliation regenerates its own closing attestation at that value.
func TestReconcileForClosePayeeFollowsBalance(t *testing.T) {
	payer := testSigner(t, "payer")
	local := testSigner(t, "local")
	id, _ := Identity(payer.Address(), local.Address())

	ch := testChannel(payer, local, 100)
	seedAligned(ch, payer, local, 0)
	ch.Attestations.Balance = &Attestation{
		Sig:     payer.SignBalanceAttestation(local.Address(), big.NewInt(40)),
		Balance: big.NewInt(40),
	}

	s := NewStore()
	s.Put(id, ch)

	balanceAtt, closingAtt, err := s.ReconcileForClose(id, RolePayee, local)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if balanceAtt.Balance.Int64() != 40 || closingAtt.Balance.Int64() != 40 {
		t.Fatalf("pair not aligned at balance value: %s / %s", balanceAtt.Balance, closingAtt.Balance)
	}
	if !Verify(closingAtt.Sig, local.Address(), ClosingPayload(payer.Address(), big.NewInt(40))) {
		t.Fatal("regenerated closing attestation does not verify")
	}
	if !Verify(balanceAtt.Sig, payer.Address(), BalancePayload(local.Address(), big.NewInt(40))) {
		t.Fatal("payer balance attestation was altered")
	}
}

// The payer owns the balance attestation, so on its side reconciliation
// regenerates the balance attestation at the closing attestation's value.
func TestReconcileForClosePayerFollowsClosing(t *testing.T) {
	local := testSigner(t, "local")
	payee := testSigner(t, "payee")
	id, _ := Identity(local.Address(), payee.Address())

	ch := testChannel(local, payee, 100)
	seedAligned(ch, local, local, 0)
	ch.Attestations.Closing = &Attestation{
		Sig:     local.SignClosingAttestation(local.Address(), big.NewInt(25)),
		Balance: big.NewInt(25),
	}

	s := NewStore()
	s.Put(id, ch)

	balanceAtt, closingAtt, err := s.ReconcileForClose(id, RolePayer, local)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if balanceAtt.Balance.Int64() != 25 || closingAtt.Balance.Int64() != 25 {
		t.Fatalf("pair not aligned at closing value: %s / %s", balanceAtt.Balance, closingAtt.Balance)
	}
	if !Verify(balanceAtt.Sig, local.Address(), BalancePayload(payee.Address(), big.NewInt(25))) {
		t.Fatal("regenerated balance attestation does not verify")
	}
}

func TestReconcileForCloseAlignedIsNoop(t *testing.T) {
	payer := testSigner(t, "payer")
	local := testSigner(t, "local")
	id, _ := Identity(payer.Address(), local.Address())

	ch := testChannel(payer, local, 100)
	seedAligned(ch, payer, local, 15)
	origSig := append([]byte(nil), ch.Attestations.Closing.Sig...)

	s := NewStore()
	s.Put(id, ch)

	_, closingAtt, err := s.ReconcileForClose(id, RolePayee, local)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if string(closingAtt.Sig) != string(origSig) {
		t.Fatal("aligned pair must not be regenerated")
	}
}

func TestReconcileForCloseIncompletePair(t *testing.T) {
	payer := testSigner(t, "payer")
	local := testSigner(t, "local")
	id, _ := Identity(payer.Address(), local.Address())

	ch := testChannel(payer, local, 100)
	ch.Attestations.Balance = &Attestation{
		Sig:     payer.SignBalanceAttestation(local.Address(), big.NewInt(5)),
		Balance: big.NewInt(5),
	}

	s := NewStore()
	s.Put(id, ch)

	if _, _, err := s.ReconcileForClose(id, RolePayee, local); !errors.Is(err, ErrAttestationMismatch) {
		t.Fatalf("want ErrAttestationMismatch, got %v", err)
	}

	// Stored state must be untouched after a failed reconcile.
	cached, _ := s.Get(id)
	if cached.Attestations.Closing != nil {
		t.Fatal("failed reconcile mutated the stored pair")
	}
}
