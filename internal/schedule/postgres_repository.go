package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const scheduleColumns = `id, user_id, biller_code, customer_ref, amount, frequency,
        next_run, active, retries, last_reference, created_at, updated_at`

// PostgresRepository persists schedules in the recurring_schedules table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository constructs a Postgres-backed schedule repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s Schedule) error {
	_, err := r.db.Exec(ctx, `INSERT INTO recurring_schedules
        (id, user_id, biller_code, customer_ref, amount, frequency, next_run, active, retries, last_reference, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.UserID, s.BillerCode, s.CustomerRef, s.Amount, s.Frequency,
		s.NextRun.UTC(), s.Active, s.Retries, s.LastReference, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Schedule, error) {
	return scanSchedule(r.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM recurring_schedules WHERE id = $1`, id))
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := r.db.Query(ctx, `SELECT `+scheduleColumns+` FROM recurring_schedules
        WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *PostgresRepository) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := r.db.Query(ctx, `SELECT `+scheduleColumns+` FROM recurring_schedules
        WHERE active AND next_run <= $1 ORDER BY next_run ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *PostgresRepository) Save(ctx context.Context, s Schedule) error {
	tag, err := r.db.Exec(ctx, `UPDATE recurring_schedules SET
        next_run = $1, active = $2, retries = $3, last_reference = $4, updated_at = $5
        WHERE id = $6`,
		s.NextRun.UTC(), s.Active, s.Retries, s.LastReference, time.Now().UTC(), s.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scheduleRow interface {
	Scan(dest ...any) error
}

func scanSchedule(row scheduleRow) (Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.UserID, &s.BillerCode, &s.CustomerRef, &s.Amount, &s.Frequency,
		&s.NextRun, &s.Active, &s.Retries, &s.LastReference, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func collectSchedules(rows pgx.Rows) ([]Schedule, error) {
	out := make([]Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
