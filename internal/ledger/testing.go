package ledger

// SeedBalances is a test helper that force-sets balances on a wallet when the
// in-memory store is in use.
func SeedBalances(s Store, walletID string, main, cashback int64) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w := mem.wallets[walletID]
		w.MainBalance = main
		w.CashbackBalance = cashback
		mem.wallets[walletID] = w
	}
}
