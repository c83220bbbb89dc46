package biller

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// MemoryDirectory holds billers in memory for tests and development.
type MemoryDirectory struct {
	mu      sync.RWMutex
	billers map[string]Biller
}

// NewMemoryDirectory builds a directory pre-loaded with the given billers.
func NewMemoryDirectory(billers ...Biller) *MemoryDirectory {
	d := &MemoryDirectory{billers: make(map[string]Biller)}
	for _, b := range billers {
		d.billers[b.Code] = b
	}
	return d
}

// Put adds or replaces a biller.
func (d *MemoryDirectory) Put(b Biller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.billers[b.Code] = b
}

func (d *MemoryDirectory) Biller(_ context.Context, code string) (Biller, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.billers[code]
	if !ok {
		return Biller{}, ErrNotFound
	}
	return b, nil
}

// PostgresDirectory reads billers from PostgreSQL.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresDirectory builds a Postgres-backed directory.
func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Biller(ctx context.Context, code string) (Biller, error) {
	row := d.db.QueryRow(ctx, `SELECT id, code, name, bill_type, min_amount, max_amount, fee, cashback_rate, active, created_at
        FROM billers WHERE code = $1`, code)

	var (
		b    Biller
		rate string
	)
	if err := row.Scan(&b.ID, &b.Code, &b.Name, &b.BillType, &b.MinAmount, &b.MaxAmount, &b.Fee, &rate, &b.Active, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Biller{}, ErrNotFound
		}
		return Biller{}, err
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return Biller{}, err
	}
	b.CashbackRate = parsed
	return b, nil
}
