package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPageSize = 50

type memoryStore struct {
	mu           sync.Mutex
	wallets      map[string]Wallet
	walletByUser map[string]string
	transactions map[string]Transaction
}

// NewInMemory creates a concurrency-safe in-memory store. Suitable for unit
// tests and single-instance development deployments without Postgres.
func NewInMemory() Store {
	return &memoryStore{
		wallets:      make(map[string]Wallet),
		walletByUser: make(map[string]string),
		transactions: make(map[string]Transaction),
	}
}

func (s *memoryStore) CreateWallet(_ context.Context, userID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.walletByUser[userID]; exists {
		return Wallet{}, ErrWalletExists
	}

	now := time.Now().UTC()
	w := Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[w.ID] = w
	s.walletByUser[userID] = w.ID
	return w, nil
}

func (s *memoryStore) Wallet(_ context.Context, id string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *memoryStore) WalletByUser(_ context.Context, userID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.walletByUser[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return s.wallets[id], nil
}

func (s *memoryStore) TransactionByReference(_ context.Context, reference string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (s *memoryStore) Transactions(_ context.Context, userID string, f Filter) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, t := range s.transactions {
		if t.UserID != userID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].Reference, out[j].Reference) > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f), nil
}

func (s *memoryStore) TransactionsInStatusBefore(_ context.Context, txType string, statuses []string, cutoff time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []Transaction
	for _, t := range s.transactions {
		if t.Type != txType || !wanted[t.Status] {
			continue
		}
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update stages all writes and applies them only when fn succeeds, so a
// failing fn observes rollback semantics identical to the Postgres store.
func (s *memoryStore) Update(_ context.Context, fn func(Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := &memoryTxn{
		store:        s,
		wallets:      make(map[string]Wallet),
		transactions: make(map[string]Transaction),
	}
	if err := fn(txn); err != nil {
		return err
	}

	now := time.Now().UTC()
	for id, w := range txn.wallets {
		w.Version++
		w.UpdatedAt = now
		s.wallets[id] = w
	}
	for ref, t := range txn.transactions {
		s.transactions[ref] = t
	}
	return nil
}

type memoryTxn struct {
	store        *memoryStore
	wallets      map[string]Wallet
	transactions map[string]Transaction
}

func (t *memoryTxn) WalletForUpdate(id string) (Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		return w, nil
	}
	w, ok := t.store.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (t *memoryTxn) WalletByUserForUpdate(userID string) (Wallet, error) {
	id, ok := t.store.walletByUser[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return t.WalletForUpdate(id)
}

func (t *memoryTxn) SaveWallet(w Wallet) error {
	current, ok := t.store.wallets[w.ID]
	if !ok {
		return ErrWalletNotFound
	}
	if _, staged := t.wallets[w.ID]; !staged && current.Version != w.Version {
		return ErrConcurrentModification
	}
	t.wallets[w.ID] = w
	return nil
}

func (t *memoryTxn) InsertTransaction(tx Transaction) error {
	if _, exists := t.store.transactions[tx.Reference]; exists {
		return ErrDuplicateReference
	}
	if _, exists := t.transactions[tx.Reference]; exists {
		return ErrDuplicateReference
	}
	t.transactions[tx.Reference] = tx
	return nil
}

func (t *memoryTxn) TransactionByReference(reference string) (Transaction, error) {
	if tx, ok := t.transactions[reference]; ok {
		return tx, nil
	}
	tx, ok := t.store.transactions[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (t *memoryTxn) UpdateTransaction(tx Transaction) error {
	if _, ok := t.store.transactions[tx.Reference]; !ok {
		if _, staged := t.transactions[tx.Reference]; !staged {
			return ErrTransactionNotFound
		}
	}
	tx.UpdatedAt = time.Now().UTC()
	t.transactions[tx.Reference] = tx
	return nil
}

func paginate(items []Transaction, f Filter) []Transaction {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if f.Offset >= len(items) {
		return nil
	}
	items = items[f.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
