package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the escrow engine, one per state transition.
const (
	JobCreated                 = "job.created"
	JobApplied                 = "job.applied"
	FreelancerAssigned         = "job.assigned"
	JobStarted                 = "job.started"
	MilestoneAdded             = "milestone.added"
	MilestoneStarted           = "milestone.started"
	MilestoneSubmitted         = "milestone.submitted"
	MilestoneReviewed          = "milestone.reviewed"
	RevisionRequested          = "milestone.revision_requested"
	MilestoneDisputed          = "milestone.disputed"
	MilestoneResolved          = "milestone.resolved"
	MilestoneApproved          = "milestone.approved"
	JobCompleted               = "job.completed"
	JobCancelled               = "job.cancelled"
	JobCancelledWithFreelancer = "job.cancelled_with_freelancer"
	ProfileCreated             = "profile.created"
	ProfileUpdated             = "profile.updated"
	ReputationUpdated          = "reputation.updated"
	FundsDeposited             = "funds.deposited"
)

// Writer appends events inside the caller's transaction. The events table
// is the only channel by which the external indexer discovers jobs.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, jobID, entityKind, entityID, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(jobID), entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
