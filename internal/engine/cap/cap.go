// Package cap is the capability authority: it mints and verifies the
// bearer tokens that gate privileged escrow operations. A capability is a
// row bound to its target at mint time; possession of the token plus a
// link match is the entire authorization check. Only token hashes are
// stored, so a capability cannot be forged from database contents.
package cap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gigline/internal/domain"
)

// UnauthorizedError indicates a token that does not match the target link.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("capability check failed: %s", e.Reason)
}

// MissingError indicates no live capability exists for the tuple.
type MissingError struct {
	JobID string
}

func (e MissingError) Error() string {
	return fmt.Sprintf("no usable capability for job %s", e.JobID)
}

// Service provides capability helpers backed by SQL.
type Service struct {
	Now func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NewToken generates a fresh bearer secret.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the stable SHA-256 hex digest stored for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// MintJobCap creates the client's durable capability for a freshly created
// job. The unique job_id column enforces the 1:1 link.
func (s Service) MintJobCap(ctx context.Context, tx *sql.Tx, jobID, owner string) (domain.JobCap, string, error) {
	token, err := NewToken()
	if err != nil {
		return domain.JobCap{}, "", err
	}
	c := domain.JobCap{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Owner:     owner,
		TokenHash: HashToken(token),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO job_caps(id,job_id,owner,token_hash,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.JobID, c.Owner, c.TokenHash, c.CreatedAt)
	if err != nil {
		return domain.JobCap{}, "", err
	}
	return c, token, nil
}

// VerifyJobCap checks that the presented token is the live capability for
// the job and that the invoking actor is its owner.
func (s Service) VerifyJobCap(ctx context.Context, tx *sql.Tx, jobID, token, actor string) (domain.JobCap, error) {
	var c domain.JobCap
	var revokedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,job_id,owner,token_hash,revoked_at,created_at FROM job_caps WHERE token_hash=? LIMIT 1`,
		HashToken(token)).Scan(&c.ID, &c.JobID, &c.Owner, &c.TokenHash, &revokedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, UnauthorizedError{Reason: "unknown token"}
	}
	if err != nil {
		return c, err
	}
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.String
		return c, UnauthorizedError{Reason: "capability revoked"}
	}
	if c.JobID != jobID {
		return c, UnauthorizedError{Reason: "capability bound to a different job"}
	}
	if c.Owner != actor {
		return c, UnauthorizedError{Reason: "capability owned by a different address"}
	}
	return c, nil
}

// RevokeJobCap marks the job's capability as spent. The row is retained as
// a historical record and can never authorize again.
func (s Service) RevokeJobCap(ctx context.Context, tx *sql.Tx, jobID string) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `UPDATE job_caps SET revoked_at=? WHERE job_id=? AND revoked_at IS NULL`, now, jobID)
	return err
}

// MintProfileUpdateCap creates the single-use bridge capability for one
// (job, applicant) tuple at application time.
func (s Service) MintProfileUpdateCap(ctx context.Context, tx *sql.Tx, jobID, freelancer string) (domain.ProfileUpdateCap, string, error) {
	token, err := NewToken()
	if err != nil {
		return domain.ProfileUpdateCap{}, "", err
	}
	c := domain.ProfileUpdateCap{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Freelancer: freelancer,
		TokenHash:  HashToken(token),
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO profile_update_caps(id,job_id,freelancer,token_hash,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.JobID, c.Freelancer, c.TokenHash, c.CreatedAt)
	if err != nil {
		return domain.ProfileUpdateCap{}, "", err
	}
	return c, token, nil
}

// ConsumeProfileUpdateCap verifies and spends the bridge capability inside
// the caller's transaction. A consumed capability never verifies again.
func (s Service) ConsumeProfileUpdateCap(ctx context.Context, tx *sql.Tx, jobID, freelancer, token string) error {
	var id string
	var capJob, capFreelancer string
	var consumedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,job_id,freelancer,consumed_at FROM profile_update_caps WHERE token_hash=? LIMIT 1`,
		HashToken(token)).Scan(&id, &capJob, &capFreelancer, &consumedAt)
	if err == sql.ErrNoRows {
		return MissingError{JobID: jobID}
	}
	if err != nil {
		return err
	}
	if consumedAt.Valid {
		return MissingError{JobID: jobID}
	}
	if capJob != jobID {
		return UnauthorizedError{Reason: "capability bound to a different job"}
	}
	if capFreelancer != freelancer {
		return UnauthorizedError{Reason: "capability minted for a different address"}
	}
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE profile_update_caps SET consumed_at=? WHERE id=? AND consumed_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return MissingError{JobID: jobID}
	}
	return nil
}
