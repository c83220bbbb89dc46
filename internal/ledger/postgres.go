package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const walletColumns = `id, user_id, main_balance, cashback_balance, total_funded, total_spent, version, created_at, updated_at`

const transactionColumns = `id, reference, wallet_id, user_id, counterparty_wallet_id, tx_type, status,
        amount, fee, cashback_amount, cashback_rate, biller_code, customer_ref, external_ref,
        idempotency_key, description, failure_reason, created_at, updated_at, completed_at`

// PostgresStore persists wallets and transactions in PostgreSQL. Update maps
// to a database transaction with row locks taken via SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWallet(ctx context.Context, userID string) (Wallet, error) {
	now := time.Now().UTC()
	w := Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(ctx, `INSERT INTO wallets (id, user_id, main_balance, cashback_balance, total_funded, total_spent, version, created_at, updated_at)
        VALUES ($1, $2, 0, 0, 0, 0, 1, $3, $3)`, w.ID, userID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Wallet{}, ErrWalletExists
		}
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) Wallet(ctx context.Context, id string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

func (s *PostgresStore) WalletByUser(ctx context.Context, userID string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

func (s *PostgresStore) TransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference))
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, f Filter) ([]Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND tx_type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) TransactionsInStatusBefore(ctx context.Context, txType string, statuses []string, cutoff time.Time) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE tx_type = $1 AND status = ANY($2) AND created_at < $3
        ORDER BY created_at ASC`, txType, statuses, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// Update wraps fn in one database transaction with commit on success and
// rollback on every other exit path.
func (s *PostgresStore) Update(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTxn) WalletForUpdate(id string) (Wallet, error) {
	return scanWallet(t.tx.QueryRow(t.ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTxn) WalletByUserForUpdate(userID string) (Wallet, error) {
	return scanWallet(t.tx.QueryRow(t.ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTxn) SaveWallet(w Wallet) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE wallets
        SET main_balance = $1, cashback_balance = $2, total_funded = $3, total_spent = $4,
            version = version + 1, updated_at = $5
        WHERE id = $6 AND version = $7`,
		w.MainBalance, w.CashbackBalance, w.TotalFunded, w.TotalSpent, time.Now().UTC(), w.ID, w.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (t *pgTxn) InsertTransaction(tr Transaction) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO transactions (`+transactionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		tr.ID, tr.Reference, tr.WalletID, tr.UserID, nullable(tr.CounterpartyID), tr.Type, tr.Status,
		tr.Amount, tr.Fee, tr.CashbackAmount, tr.CashbackRate.String(), nullable(tr.BillerCode),
		nullable(tr.CustomerRef), nullable(tr.ExternalRef), nullable(tr.IdempotencyKey),
		tr.Description, nullable(tr.FailureReason), tr.CreatedAt.UTC(), tr.UpdatedAt.UTC(), tr.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (t *pgTxn) TransactionByReference(reference string) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(t.ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, reference))
}

func (t *pgTxn) UpdateTransaction(tr Transaction) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE transactions
        SET status = $1, external_ref = $2, failure_reason = $3, updated_at = $4, completed_at = $5
        WHERE reference = $6`,
		tr.Status, nullable(tr.ExternalRef), nullable(tr.FailureReason), time.Now().UTC(), tr.CompletedAt, tr.Reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.MainBalance, &w.CashbackBalance,
		&w.TotalFunded, &w.TotalSpent, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tr   Transaction
		rate string

		counterparty, billerCode, customerRef, externalRef, idemKey, failure *string
	)
	err := row.Scan(&tr.ID, &tr.Reference, &tr.WalletID, &tr.UserID, &counterparty, &tr.Type, &tr.Status,
		&tr.Amount, &tr.Fee, &tr.CashbackAmount, &rate, &billerCode, &customerRef, &externalRef,
		&idemKey, &tr.Description, &failure, &tr.CreatedAt, &tr.UpdatedAt, &tr.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}

	tr.CounterpartyID = deref(counterparty)
	tr.BillerCode = deref(billerCode)
	tr.CustomerRef = deref(customerRef)
	tr.ExternalRef = deref(externalRef)
	tr.IdempotencyKey = deref(idemKey)
	tr.FailureReason = deref(failure)

	if rate != "" {
		parsed, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return Transaction{}, fmt.Errorf("parse cashback rate %q: %w", rate, err)
		}
		tr.CashbackRate = parsed
	}
	return tr, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
