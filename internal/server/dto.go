package server

import (
	"encoding/json"

	"gigline/internal/domain"
)

// Response DTOs for the read API. Jobs, milestones, profiles and accounts
// serialize directly from domain structs; events decode their stored JSON
// payload so consumers never see double-encoded strings.

type JobResponse struct {
	ID             string  `json:"id"`
	Client         string  `json:"client"`
	Freelancer     *string `json:"freelancer,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Budget         int64   `json:"budget"`
	Escrow         int64   `json:"escrow"`
	Released       int64   `json:"released"`
	Refunded       int64   `json:"refunded"`
	State          string  `json:"state" enum:"open,assigned,in_progress,submitted,completed,cancelled,cancelled_with_freelancer"`
	MilestoneCount int     `json:"milestone_count"`
	Deadline       string  `json:"deadline" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type MilestoneResponse struct {
	JobID         string  `json:"job_id"`
	Seq           int     `json:"seq"`
	Description   string  `json:"description,omitempty"`
	Amount        int64   `json:"amount"`
	State         string  `json:"state" enum:"pending,in_progress,submitted,under_review,approved,revision_requested,disputed"`
	Proof         string  `json:"proof,omitempty"`
	RevisionCount int     `json:"revision_count"`
	SubmittedAt   *string `json:"submitted_at,omitempty" format:"date-time"`
	ApprovedAt    *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type ApplicantResponse struct {
	JobID     string `json:"job_id"`
	Address   string `json:"address"`
	Note      string `json:"note,omitempty"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

type ProfileResponse struct {
	Address       string   `json:"address"`
	Role          string   `json:"role" enum:"client,freelancer"`
	DisplayName   string   `json:"display_name"`
	Bio           string   `json:"bio,omitempty"`
	Rating        int64    `json:"rating"`
	RatingCount   int64    `json:"rating_count"`
	CompletedJobs int64    `json:"completed_jobs"`
	TotalJobs     int64    `json:"total_jobs"`
	TotalAmount   int64    `json:"total_amount"`
	Verified      bool     `json:"verified"`
	ActiveJobs    []string `json:"active_jobs"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type AccountResponse struct {
	Address   string `json:"address"`
	Available int64  `json:"available"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type LedgerEntryResponse struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id,omitempty"`
	Address   string `json:"address"`
	Kind      string `json:"kind" enum:"deposit,escrow_hold,escrow_release,escrow_refund"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	Marketplace   string         `json:"marketplace"`
	SchemaVersion int            `json:"schema_version"`
	JobCounts     map[string]int `json:"job_counts"`
	LatestEventID int64          `json:"latest_event_id"`
}

// Conversion helpers

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		Client:         j.Client,
		Freelancer:     j.Freelancer,
		Title:          j.Title,
		Description:    j.Description,
		Budget:         j.Budget,
		Escrow:         j.Escrow,
		Released:       j.Released,
		Refunded:       j.Refunded,
		State:          j.State,
		MilestoneCount: j.MilestoneCount,
		Deadline:       j.Deadline,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		JobID:         m.JobID,
		Seq:           m.Seq,
		Description:   m.Description,
		Amount:        m.Amount,
		State:         m.State,
		Proof:         m.Proof,
		RevisionCount: m.RevisionCount,
		SubmittedAt:   m.SubmittedAt,
		ApprovedAt:    m.ApprovedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func applicantResponse(a domain.Applicant) ApplicantResponse {
	return ApplicantResponse{
		JobID:     a.JobID,
		Address:   a.Address,
		Note:      a.Note,
		AppliedAt: a.AppliedAt,
	}
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse{
		Address:       p.Address,
		Role:          p.Role,
		DisplayName:   p.DisplayName,
		Bio:           p.Bio,
		Rating:        p.Rating,
		RatingCount:   p.RatingCount,
		CompletedJobs: p.CompletedJobs,
		TotalJobs:     p.TotalJobs,
		TotalAmount:   p.TotalAmount,
		Verified:      p.Verified,
		ActiveJobs:    nonNilSlice(p.ActiveJobs),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse(a)
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse(e)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		JobID:      e.JobID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
