package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

func (r Repo) GetAccount(ctx context.Context, address string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT address,available,updated_at FROM accounts WHERE address=?`, address).
		Scan(&a.Address, &a.Available, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, address string) (domain.Account, error) {
	var a domain.Account
	err := tx.QueryRowContext(ctx, `SELECT address,available,updated_at FROM accounts WHERE address=?`, address).
		Scan(&a.Address, &a.Available, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// CreditAccount adds amount to the address balance, creating the account row
// on first use.
func (r Repo) CreditAccount(ctx context.Context, tx *sql.Tx, address string, amount int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(address,available,updated_at) VALUES (?,?,?)
ON CONFLICT(address) DO UPDATE SET available=available+excluded.available, updated_at=excluded.updated_at`,
		address, amount, now)
	return err
}

// DebitAccount subtracts amount from the address balance. Returns ErrNotFound
// when no account row exists; the caller checks the balance first.
func (r Repo) DebitAccount(ctx context.Context, tx *sql.Tx, address string, amount int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET available=available-?, updated_at=? WHERE address=?`,
		amount, now, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger(job_id,address,kind,amount,created_at) VALUES (?,?,?,?,?)`,
		nullable(e.JobID), e.Address, e.Kind, e.Amount, e.CreatedAt)
	return err
}

func (r Repo) ListLedgerEntries(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	query := `SELECT id,job_id,address,kind,amount,created_at FROM ledger`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var job sql.NullString
		if err := rows.Scan(&e.ID, &job, &e.Address, &e.Kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		if job.Valid {
			e.JobID = job.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
