package domain

// Job states.
const (
	JobOpen                    = "open"
	JobAssigned                = "assigned"
	JobInProgress              = "in_progress"
	JobSubmitted               = "submitted"
	JobCompleted               = "completed"
	JobCancelled               = "cancelled"
	JobCancelledWithFreelancer = "cancelled_with_freelancer"
)

// Milestone states.
const (
	MilestonePending           = "pending"
	MilestoneInProgress        = "in_progress"
	MilestoneSubmitted         = "submitted"
	MilestoneUnderReview       = "under_review"
	MilestoneApproved          = "approved"
	MilestoneRevisionRequested = "revision_requested"
	MilestoneDisputed          = "disputed"
)

// Profile roles.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

// Ledger entry kinds.
const (
	LedgerDeposit       = "deposit"
	LedgerEscrowHold    = "escrow_hold"
	LedgerEscrowRelease = "escrow_release"
	LedgerEscrowRefund  = "escrow_refund"
)

// TerminalJobState reports whether a job state admits no further mutation.
func TerminalJobState(state string) bool {
	return state == JobCompleted || state == JobCancelled || state == JobCancelledWithFreelancer
}

type Job struct {
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

type Milestone struct {
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

type Applicant struct {
	JobID     string `json:"job_id"`
	Address   string `json:"address"`
	Note      string `json:"note,omitempty"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

// Profile is an identity record exclusively owned by one external address.
// Rating is a running average stored in milli-stars (1000 = one star).
type Profile struct {
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
	ActiveJobs    []string `json:"active_jobs,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type Account struct {
	Address   string `json:"address"`
	Available int64  `json:"available"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// JobCap is the client's durable proof of authority over one job. Only the
// SHA-256 hash of the bearer token is stored.
type JobCap struct {
	ID        string  `json:"id"`
	JobID     string  `json:"job_id"`
	Owner     string  `json:"owner"`
	TokenHash string  `json:"key_hash"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// ProfileUpdateCap is the single-use bridge minted when a freelancer
// applies. The client's assignment never touches the freelancer's profile;
// consuming this capability is what authorizes the freelancer's own profile
// mutation when the job starts.
type ProfileUpdateCap struct {
	ID         string  `json:"id"`
	JobID      string  `json:"job_id"`
	Freelancer string  `json:"freelancer"`
	TokenHash  string  `json:"key_hash"`
	ConsumedAt *string `json:"consumed_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Rating struct {
	JobID     string `json:"job_id"`
	Rater     string `json:"rater"`
	Ratee     string `json:"ratee"`
	Score     int64  `json:"score"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type LedgerEntry struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id,omitempty"`
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
