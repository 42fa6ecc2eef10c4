package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

const profileColumns = `address,role,display_name,bio,rating,rating_count,completed_jobs,total_jobs,total_amount,verified,created_at,updated_at`

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var bio sql.NullString
	err := row.Scan(&p.Address, &p.Role, &p.DisplayName, &bio, &p.Rating, &p.RatingCount,
		&p.CompletedJobs, &p.TotalJobs, &p.TotalAmount, &p.Verified, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if bio.Valid {
		p.Bio = bio.String
	}
	return p, nil
}

func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO profiles(`+profileColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Address, p.Role, p.DisplayName, nullable(p.Bio), p.Rating, p.RatingCount,
		p.CompletedJobs, p.TotalJobs, p.TotalAmount, p.Verified, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, address string) (domain.Profile, error) {
	p, err := scanProfile(r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE address=?`, address))
	if err != nil {
		return p, err
	}
	p.ActiveJobs, err = r.listActiveJobs(ctx, nil, address)
	return p, err
}

func (r Repo) GetProfileTx(ctx context.Context, tx *sql.Tx, address string) (domain.Profile, error) {
	p, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE address=?`, address))
	if err != nil {
		return p, err
	}
	p.ActiveJobs, err = r.listActiveJobs(ctx, tx, address)
	return p, err
}

func (r Repo) UpdateProfileTx(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET display_name=?, bio=?, rating=?, rating_count=?, completed_jobs=?, total_jobs=?, total_amount=?, verified=?, updated_at=? WHERE address=?`,
		p.DisplayName, nullable(p.Bio), p.Rating, p.RatingCount, p.CompletedJobs, p.TotalJobs,
		p.TotalAmount, p.Verified, p.UpdatedAt, p.Address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddActiveJob(ctx context.Context, tx *sql.Tx, address, jobID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO active_jobs(address, job_id) VALUES (?,?)`, address, jobID)
	return err
}

func (r Repo) RemoveActiveJob(ctx context.Context, tx *sql.Tx, address, jobID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM active_jobs WHERE address=? AND job_id=?`, address, jobID)
	return err
}

func (r Repo) listActiveJobs(ctx context.Context, tx *sql.Tx, address string) ([]string, error) {
	query := `SELECT job_id FROM active_jobs WHERE address=? ORDER BY job_id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, address)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, address)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertRating(ctx context.Context, tx *sql.Tx, rt domain.Rating) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ratings(job_id,rater,ratee,score,created_at) VALUES (?,?,?,?,?)`,
		rt.JobID, rt.Rater, rt.Ratee, rt.Score, rt.CreatedAt)
	return err
}

func (r Repo) HasRatingTx(ctx context.Context, tx *sql.Tx, jobID, rater string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM ratings WHERE job_id=? AND rater=? LIMIT 1`, jobID, rater)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
