package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gigline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,client,freelancer,title,description,budget,escrow,released,refunded,state,milestone_count,deadline,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var freelancer, desc sql.NullString
	err := row.Scan(&j.ID, &j.Client, &freelancer, &j.Title, &desc, &j.Budget, &j.Escrow, &j.Released, &j.Refunded,
		&j.State, &j.MilestoneCount, &j.Deadline, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if freelancer.Valid {
		j.Freelancer = &freelancer.String
	}
	if desc.Valid {
		j.Description = desc.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Client, nullableStringPtr(j.Freelancer), j.Title, nullable(j.Description), j.Budget, j.Escrow,
		j.Released, j.Refunded, j.State, j.MilestoneCount, j.Deadline, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET freelancer=?, escrow=?, released=?, refunded=?, state=?, milestone_count=?, updated_at=? WHERE id=?`,
		nullableStringPtr(j.Freelancer), j.Escrow, j.Released, j.Refunded, j.State, j.MilestoneCount, j.UpdatedAt, j.ID)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

type JobFilters struct {
	Client          string
	Freelancer      string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Freelancer != "" {
		clauses = append(clauses, "freelancer=?")
		args = append(args, f.Freelancer)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

const milestoneColumns = `job_id,seq,description,amount,state,proof,revision_count,submitted_at,approved_at,created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var desc, proof, submittedAt, approvedAt sql.NullString
	err := row.Scan(&m.JobID, &m.Seq, &desc, &m.Amount, &m.State, &proof, &m.RevisionCount,
		&submittedAt, &approvedAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if desc.Valid {
		m.Description = desc.String
	}
	if proof.Valid {
		m.Proof = proof.String
	}
	if submittedAt.Valid {
		m.SubmittedAt = &submittedAt.String
	}
	if approvedAt.Valid {
		m.ApprovedAt = &approvedAt.String
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.JobID, m.Seq, nullable(m.Description), m.Amount, m.State, nullable(m.Proof), m.RevisionCount,
		nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.ApprovedAt), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) UpdateMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `UPDATE milestones SET state=?, proof=?, revision_count=?, submitted_at=?, approved_at=?, updated_at=? WHERE job_id=? AND seq=?`,
		m.State, nullable(m.Proof), m.RevisionCount, nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.ApprovedAt),
		m.UpdatedAt, m.JobID, m.Seq)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, jobID string, seq int) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE job_id=? AND seq=?`, jobID, seq))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, jobID string, seq int) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE job_id=? AND seq=?`, jobID, seq))
}

func (r Repo) ListMilestones(ctx context.Context, jobID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE job_id=? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// SumMilestoneAmountsTx returns the total of all milestone amounts for a job.
func (r Repo) SumMilestoneAmountsTx(ctx context.Context, tx *sql.Tx, jobID string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM milestones WHERE job_id=?`, jobID).Scan(&sum)
	return sum, err
}

// CountMilestonesNotInTx counts milestones outside the given states.
func (r Repo) CountMilestonesNotInTx(ctx context.Context, tx *sql.Tx, jobID string, states ...string) (int, error) {
	query := `SELECT COUNT(*) FROM milestones WHERE job_id=?`
	args := []any{jobID}
	if len(states) > 0 {
		query += ` AND state NOT IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	var n int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (r Repo) InsertApplicant(ctx context.Context, tx *sql.Tx, a domain.Applicant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applicants(job_id,address,note,applied_at) VALUES (?,?,?,?)`,
		a.JobID, a.Address, nullable(a.Note), a.AppliedAt)
	return err
}

func (r Repo) HasApplicantTx(ctx context.Context, tx *sql.Tx, jobID, address string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM applicants WHERE job_id=? AND address=? LIMIT 1`, jobID, address)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListApplicants(ctx context.Context, jobID string) ([]domain.Applicant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,address,note,applied_at FROM applicants WHERE job_id=? ORDER BY applied_at ASC, address ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Applicant
	for rows.Next() {
		var a domain.Applicant
		var note sql.NullString
		if err := rows.Scan(&a.JobID, &a.Address, &note, &a.AppliedAt); err != nil {
			return nil, err
		}
		if note.Valid {
			a.Note = note.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, jobID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, jobID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, jobID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,actor,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. This is the feed the external indexer consumes.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,actor,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var jobID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &jobID, &e.EntityKind, &entityID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
