package channel

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	recentlyClosedCap = 4096
	recentlyClosedTTL = 10 * time.Minute
)

// AttestationSigner is the slice of the local signer the store needs to
// regenerate attestations during reconciliation.
type AttestationSigner interface {
	Address() Address
	SignBalanceAttestation(payee Address, balance *big.Int) []byte
	SignClosingAttestation(payer Address, balance *big.Int) []byte
}

// Store is the in-memory channel cache, keyed by channel identity. Each
// entry carries its own lock so concurrent messages for the same identity
// serialize their read-modify-write sequences while different identities
// proceed in parallel.
type Store struct {
	mu      sync.RWMutex
	entries map[ID]*storeEntry

	// Identities closed recently; lets handlers distinguish "never existed"
	// from "just settled" when a late message arrives.
	recentlyClosed *expirable.LRU[ID, time.Time]
}

type storeEntry struct {
	mu sync.Mutex
	ch *PaymentChannel
}

// NewStore creates an empty channel store
func NewStore() *Store {
	return &Store{
		entries:        make(map[ID]*storeEntry),
		recentlyClosed: expirable.NewLRU[ID, time.Time](recentlyClosedCap, nil, recentlyClosedTTL),
	}
}

// Get returns a deep copy of the channel for id
func (s *Store) Get(id ID) (*PaymentChannel, bool) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ch == nil {
		return nil, false
	}
	return entry.ch.Clone(), true
}

// Put stores a deep copy of ch under id
func (s *Store) Put(id ID, ch *PaymentChannel) {
	entry := s.entry(id)
	entry.mu.Lock()
	entry.ch = ch.Clone()
	entry.mu.Unlock()
}

// Remove drops the channel for id and remembers the identity as recently
// closed.
func (s *Store) Remove(id ID) {
	s.mu.Lock()
	_, existed := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if existed {
		s.recentlyClosed.Add(id, time.Now())
	}
}

// RecentlyClosed reports whether id was settled within the guard window
func (s *Store) RecentlyClosed(id ID) bool {
	_, ok := s.recentlyClosed.Get(id)
	return ok
}

// Update runs fn on the stored channel under the identity's lock. fn
// receives the live struct and may mutate it; an error from fn leaves any
// mutation as fn made it, so fn must not partially mutate before failing.
// Absent identities return ErrChannelNotFound.
func (s *Store) Update(id ID, fn func(*PaymentChannel) error) error {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrChannelNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ch == nil {
		return ErrChannelNotFound
	}
	return fn(entry.ch)
}

// Len returns the number of cached channels
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns deep copies of every cached channel
func (s *Store) Snapshot() map[ID]*PaymentChannel {
	s.mu.RLock()
	entries := make(map[ID]*storeEntry, len(s.entries))
	for id, entry := range s.entries {
		entries[id] = entry
	}
	s.mu.RUnlock()

	out := make(map[ID]*PaymentChannel, len(entries))
	for id, entry := range entries {
		entry.mu.Lock()
		if entry.ch != nil {
			out[id] = entry.ch.Clone()
		}
		entry.mu.Unlock()
	}
	return out
}

func (s *Store) entry(id ID) *storeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		entry = &storeEntry{}
		s.entries[id] = entry
	}
	return entry
}

// ReconcileForClose aligns the stored attestation pair for id so both
// commit to the same balance value, regenerating only the side the local
// node is authorized to sign:
//
//   - RolePayee (inbound channel, we are owed): regenerate the closing
//     attestation at the balance attestation's value. The counterpart
//     signed the balance attestation as payer; we cannot forge it.
//   - RolePayer (outbound channel, we owe): regenerate the balance
//     attestation at the closing attestation's value.
//
// On success the aligned pair is stored and deep copies are returned. On
// failure the stored state is untouched so a later attempt can retry.
func (s *Store) ReconcileForClose(id ID, role Role, signer AttestationSigner) (*Attestation, *Attestation, error) {
	var balanceAtt, closingAtt *Attestation

	err := s.Update(id, func(ch *PaymentChannel) error {
		pair := &ch.Attestations
		if pair.Balance == nil || pair.Closing == nil {
			return fmt.Errorf("%w: attestation pair incomplete", ErrAttestationMismatch)
		}

		if pair.Aligned() {
			balanceAtt = pair.Balance.Clone()
			closingAtt = pair.Closing.Clone()
			return nil
		}

		candidate := AttestationPair{Balance: pair.Balance.Clone(), Closing: pair.Closing.Clone()}
		switch role {
		case RolePayee:
			value := new(big.Int).Set(pair.Balance.Balance)
			candidate.Closing = &Attestation{
				Sig:     signer.SignClosingAttestation(ch.Payer, value),
				Balance: value,
			}
		case RolePayer:
			value := new(big.Int).Set(pair.Closing.Balance)
			candidate.Balance = &Attestation{
				Sig:     signer.SignBalanceAttestation(ch.Payee, value),
				Balance: value,
			}
		default:
			return fmt.Errorf("%w: unknown role %d", ErrAttestationMismatch, int(role))
		}

		if !candidate.Aligned() {
			return fmt.Errorf("%w: values still disagree after regeneration (balance=%s closing=%s)",
				ErrAttestationMismatch, candidate.Balance.Balance, candidate.Closing.Balance)
		}

		ch.Attestations = candidate
		balanceAtt = candidate.Balance.Clone()
		closingAtt = candidate.Closing.Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return balanceAtt, closingAtt, nil
}
