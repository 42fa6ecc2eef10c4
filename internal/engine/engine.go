package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/engine/cap"
	"gigline/internal/events"
	"gigline/internal/repo"
)

// Engine is the job-escrow state machine. Every operation is a single
// transaction: validate capability and state, mutate, write ledger rows,
// append events, commit. A failed operation leaves no partial effect.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Caps       cap.Service
	Config     *config.Config
	Reputation RatingFunc
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Caps:       cap.Service{},
		Config:     cfg,
		Reputation: RunningAverage,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func ensureJobTransition(oldState, newState string) error {
	switch oldState {
	case domain.JobOpen:
		if newState == domain.JobAssigned || newState == domain.JobCancelled {
			return nil
		}
	case domain.JobAssigned:
		if newState == domain.JobInProgress || newState == domain.JobCancelledWithFreelancer {
			return nil
		}
	case domain.JobInProgress:
		if newState == domain.JobSubmitted || newState == domain.JobCompleted || newState == domain.JobCancelledWithFreelancer {
			return nil
		}
	case domain.JobSubmitted:
		// revision requests reopen work
		if newState == domain.JobInProgress || newState == domain.JobCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, oldState, newState)
}

func ensureMilestoneTransition(oldState, newState string) error {
	switch oldState {
	case domain.MilestonePending:
		if newState == domain.MilestoneInProgress || newState == domain.MilestoneSubmitted {
			return nil
		}
	case domain.MilestoneInProgress:
		if newState == domain.MilestoneSubmitted {
			return nil
		}
	case domain.MilestoneSubmitted:
		switch newState {
		case domain.MilestoneUnderReview, domain.MilestoneApproved, domain.MilestoneRevisionRequested, domain.MilestoneDisputed:
			return nil
		}
	case domain.MilestoneUnderReview:
		switch newState {
		case domain.MilestoneApproved, domain.MilestoneRevisionRequested, domain.MilestoneDisputed:
			return nil
		}
	case domain.MilestoneRevisionRequested:
		if newState == domain.MilestoneSubmitted {
			return nil
		}
	case domain.MilestoneDisputed:
		if newState == domain.MilestoneSubmitted {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidMilestoneState, oldState, newState)
}

// verifyJobCap maps capability authority failures into the engine taxonomy.
func (e Engine) verifyJobCap(ctx context.Context, tx *sql.Tx, jobID, token, actor string) error {
	_, err := e.Caps.VerifyJobCap(ctx, tx, jobID, token, actor)
	var ue cap.UnauthorizedError
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ue.Reason)
	}
	return err
}

// ProfileCreateOptions are parameters for registering an identity record.
type ProfileCreateOptions struct {
	Address     string
	Role        string
	DisplayName string
	Bio         string
	Actor       string
}

func (e Engine) CreateProfile(ctx context.Context, opts ProfileCreateOptions) (domain.Profile, error) {
	if opts.Address == "" {
		return domain.Profile{}, errors.New("address is required")
	}
	if opts.Actor != opts.Address {
		return domain.Profile{}, fmt.Errorf("%w: profile can only be created by its owner", ErrUnauthorized)
	}
	if opts.Role != domain.RoleClient && opts.Role != domain.RoleFreelancer {
		return domain.Profile{}, fmt.Errorf("role must be %s or %s", domain.RoleClient, domain.RoleFreelancer)
	}
	if opts.DisplayName == "" {
		return domain.Profile{}, errors.New("display name is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Profile{
		Address:     opts.Address,
		Role:        opts.Role,
		DisplayName: opts.DisplayName,
		Bio:         opts.Bio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProfile(ctx, tx, p); err != nil {
		return domain.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProfileCreated, "", "profile", p.Address, opts.Actor, events.EventPayload{"role": p.Role}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// UpdateProfile changes display metadata on the caller's own record.
func (e Engine) UpdateProfile(ctx context.Context, address string, displayName, bio *string, actor string) (domain.Profile, error) {
	if actor != address {
		return domain.Profile{}, fmt.Errorf("%w: profile owned by a different address", ErrUnauthorized)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProfileTx(ctx, tx, address)
	if err != nil {
		return domain.Profile{}, err
	}
	if displayName != nil {
		p.DisplayName = *displayName
	}
	if bio != nil {
		p.Bio = *bio
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProfileTx(ctx, tx, p); err != nil {
		return domain.Profile{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProfileUpdated, "", "profile", p.Address, actor, events.EventPayload{}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// Deposit credits the caller's own account.
func (e Engine) Deposit(ctx context.Context, address string, amount int64, actor string) (domain.Account, error) {
	if actor != address {
		return domain.Account{}, fmt.Errorf("%w: account owned by a different address", ErrUnauthorized)
	}
	if amount <= 0 {
		return domain.Account{}, errors.New("amount must be positive")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.CreditAccount(ctx, tx, address, amount, now); err != nil {
		return domain.Account{}, err
	}
	if err := e.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		Address: address, Kind: domain.LedgerDeposit, Amount: amount, CreatedAt: now,
	}); err != nil {
		return domain.Account{}, err
	}
	if err := e.Events.Append(ctx, tx, events.FundsDeposited, "", "account", address, actor, events.EventPayload{"amount": amount}); err != nil {
		return domain.Account{}, err
	}
	acct, err := e.Repo.GetAccountTx(ctx, tx, address)
	if err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

// JobCreateOptions are parameters for posting a job.
type JobCreateOptions struct {
	Client      string
	Title       string
	Description string
	Budget      int64
	Deadline    string
	Actor       string
}

// CreateJob escrows the budget atomically with job creation and mints the
// client's JobCap. The returned token is shown once and never stored.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, string, error) {
	if opts.Actor != opts.Client {
		return domain.Job{}, "", fmt.Errorf("%w: job client must be the caller", ErrUnauthorized)
	}
	if opts.Title == "" {
		return domain.Job{}, "", errors.New("title is required")
	}
	if opts.Budget <= 0 {
		return domain.Job{}, "", errors.New("budget must be positive")
	}
	deadline, err := time.Parse(time.RFC3339, opts.Deadline)
	if err != nil {
		return domain.Job{}, "", fmt.Errorf("deadline: %w", err)
	}
	now := e.now().UTC()
	if !deadline.After(now) {
		return domain.Job{}, "", ErrInvalidDeadline
	}
	if _, err := e.Repo.GetProfile(ctx, opts.Client); err != nil {
		return domain.Job{}, "", err
	}
	nowStr := now.Format(time.RFC3339)
	j := domain.Job{
		ID:          uuid.New().String(),
		Client:      opts.Client,
		Title:       opts.Title,
		Description: opts.Description,
		Budget:      opts.Budget,
		Escrow:      opts.Budget,
		State:       domain.JobOpen,
		Deadline:    deadline.UTC().Format(time.RFC3339),
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, "", err
	}
	defer tx.Rollback()

	acct, err := e.Repo.GetAccountTx(ctx, tx, opts.Client)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, "", err
	}
	if acct.Available < opts.Budget {
		return domain.Job{}, "", fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, acct.Available, opts.Budget)
	}
	if err := e.Repo.DebitAccount(ctx, tx, opts.Client, opts.Budget, nowStr); err != nil {
		return domain.Job{}, "", err
	}
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, "", fmt.Errorf("insert job: %w", err)
	}
	if err := e.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		JobID: j.ID, Address: opts.Client, Kind: domain.LedgerEscrowHold, Amount: opts.Budget, CreatedAt: nowStr,
	}); err != nil {
		return domain.Job{}, "", err
	}
	_, token, err := e.Caps.MintJobCap(ctx, tx, j.ID, opts.Client)
	if err != nil {
		return domain.Job{}, "", fmt.Errorf("mint job cap: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobCreated, j.ID, "job", j.ID, opts.Actor, events.EventPayload{
		"client":   j.Client,
		"budget":   j.Budget,
		"deadline": j.Deadline,
	}); err != nil {
		return domain.Job{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, "", err
	}
	return j, token, nil
}

// ApplyForJob adds the caller to the applicant set and mints the
// single-use ProfileUpdateCap bridging assignment and start.
func (e Engine) ApplyForJob(ctx context.Context, jobID, note, actor string) (domain.Applicant, string, error) {
	if _, err := e.Repo.GetProfile(ctx, actor); err != nil {
		return domain.Applicant{}, "", err
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, "", err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Applicant{}, "", err
	}
	if j.State != domain.JobOpen {
		return domain.Applicant{}, "", fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if actor == j.Client {
		return domain.Applicant{}, "", ErrSelfApplication
	}
	if deadline, err := time.Parse(time.RFC3339, j.Deadline); err == nil && now.After(deadline) {
		return domain.Applicant{}, "", fmt.Errorf("%w: application window closed at %s", ErrInvalidState, j.Deadline)
	}
	applied, err := e.Repo.HasApplicantTx(ctx, tx, jobID, actor)
	if err != nil {
		return domain.Applicant{}, "", err
	}
	if applied {
		return domain.Applicant{}, "", ErrDuplicateApplication
	}
	a := domain.Applicant{
		JobID:     jobID,
		Address:   actor,
		Note:      note,
		AppliedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertApplicant(ctx, tx, a); err != nil {
		return domain.Applicant{}, "", err
	}
	_, token, err := e.Caps.MintProfileUpdateCap(ctx, tx, jobID, actor)
	if err != nil {
		return domain.Applicant{}, "", fmt.Errorf("mint profile update cap: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobApplied, jobID, "applicant", actor, actor, events.EventPayload{"applicant": actor}); err != nil {
		return domain.Applicant{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Applicant{}, "", err
	}
	return a, token, nil
}

// AssignFreelancer picks an applicant and moves the job to assigned. It
// deliberately takes no reference to the freelancer's profile; the
// freelancer confirms in StartJob with their own record.
func (e Engine) AssignFreelancer(ctx context.Context, jobID, capToken, freelancer, actor string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.State != domain.JobOpen {
		return domain.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Job{}, err
	}
	applied, err := e.Repo.HasApplicantTx(ctx, tx, jobID, freelancer)
	if err != nil {
		return domain.Job{}, err
	}
	if !applied {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotAnApplicant, freelancer)
	}
	if err := ensureJobTransition(j.State, domain.JobAssigned); err != nil {
		return domain.Job{}, err
	}
	j.Freelancer = &freelancer
	j.State = domain.JobAssigned
	j.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.FreelancerAssigned, jobID, "job", jobID, actor, events.EventPayload{"freelancer": freelancer}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// StartJob is the freelancer's confirmation. It consumes the
// ProfileUpdateCap minted at application time and mutates only the
// caller's own profile.
func (e Engine) StartJob(ctx context.Context, jobID, updateCapToken, actor string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.State != domain.JobAssigned {
		return domain.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if j.Freelancer == nil || *j.Freelancer != actor {
		return domain.Job{}, fmt.Errorf("%w: job assigned to a different address", ErrUnauthorized)
	}
	p, err := e.Repo.GetProfileTx(ctx, tx, actor)
	if err != nil {
		return domain.Job{}, err
	}
	if err := e.Caps.ConsumeProfileUpdateCap(ctx, tx, jobID, actor, updateCapToken); err != nil {
		var me cap.MissingError
		if errors.As(err, &me) {
			return domain.Job{}, fmt.Errorf("%w: %s", ErrMissingCapability, me.Error())
		}
		var ue cap.UnauthorizedError
		if errors.As(err, &ue) {
			return domain.Job{}, fmt.Errorf("%w: %s", ErrUnauthorized, ue.Reason)
		}
		return domain.Job{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p.TotalJobs++
	p.UpdatedAt = now
	if err := e.Repo.UpdateProfileTx(ctx, tx, p); err != nil {
		return domain.Job{}, err
	}
	if err := e.Repo.AddActiveJob(ctx, tx, actor, jobID); err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(j.State, domain.JobInProgress); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobInProgress
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobStarted, jobID, "job", jobID, actor, events.EventPayload{"freelancer": actor}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// AddMilestone appends a payment tranche before work starts. The running
// milestone total can never exceed the escrowed budget.
func (e Engine) AddMilestone(ctx context.Context, jobID, capToken, description string, amount int64, actor string) (domain.Milestone, error) {
	if amount <= 0 {
		return domain.Milestone{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if j.State != domain.JobOpen && j.State != domain.JobAssigned {
		return domain.Milestone{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Milestone{}, err
	}
	sum, err := e.Repo.SumMilestoneAmountsTx(ctx, tx, jobID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if sum+amount > j.Budget {
		return domain.Milestone{}, fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, sum, amount, j.Budget)
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Milestone{
		JobID:       jobID,
		Seq:         j.MilestoneCount + 1,
		Description: description,
		Amount:      amount,
		State:       domain.MilestonePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	j.MilestoneCount++
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneAdded, jobID, "milestone", milestoneEntityID(jobID, m.Seq), actor, events.EventPayload{
		"seq":    m.Seq,
		"amount": m.Amount,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// StartMilestone marks a tranche as being worked on.
func (e Engine) StartMilestone(ctx context.Context, jobID string, seq int, actor string) (domain.Milestone, error) {
	return e.freelancerMilestoneTransition(ctx, jobID, seq, actor, domain.MilestoneInProgress, events.MilestoneStarted, nil)
}

// SubmitMilestone records the freelancer's proof of work. When the last
// outstanding milestone is submitted the job itself moves to submitted.
func (e Engine) SubmitMilestone(ctx context.Context, jobID string, seq int, proof, actor string) (domain.Milestone, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.freelancerMilestoneTransition(ctx, jobID, seq, actor, domain.MilestoneSubmitted, events.MilestoneSubmitted,
		func(m *domain.Milestone) {
			m.Proof = proof
			m.SubmittedAt = &now
		})
}

func (e Engine) freelancerMilestoneTransition(ctx context.Context, jobID string, seq int, actor, newState, evtType string, apply func(*domain.Milestone)) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if j.State != domain.JobInProgress {
		return domain.Milestone{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if j.Freelancer == nil || *j.Freelancer != actor {
		return domain.Milestone{}, fmt.Errorf("%w: caller is not the job freelancer", ErrUnauthorized)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, jobID, seq)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := ensureMilestoneTransition(m.State, newState); err != nil {
		return domain.Milestone{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.State = newState
	m.UpdatedAt = now
	if apply != nil {
		apply(&m)
	}
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	payload := events.EventPayload{"seq": seq}
	if newState == domain.MilestoneSubmitted {
		if err := e.markJobSubmittedIfComplete(ctx, tx, j, now, payload); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, jobID, "milestone", milestoneEntityID(jobID, seq), actor, payload); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// markJobSubmittedIfComplete flips an in_progress job to submitted once no
// milestone remains outside submitted/approved. A milestone can reach
// submitted either from the freelancer or by a dispute being resolved, so
// both paths call this after the milestone row is updated.
func (e Engine) markJobSubmittedIfComplete(ctx context.Context, tx *sql.Tx, j domain.Job, now string, payload events.EventPayload) error {
	if j.State != domain.JobInProgress || j.MilestoneCount == 0 {
		return nil
	}
	outstanding, err := e.Repo.CountMilestonesNotInTx(ctx, tx, j.ID, domain.MilestoneSubmitted, domain.MilestoneApproved)
	if err != nil {
		return err
	}
	if outstanding != 0 {
		return nil
	}
	if err := ensureJobTransition(j.State, domain.JobSubmitted); err != nil {
		return err
	}
	j.State = domain.JobSubmitted
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return err
	}
	payload["final"] = true
	payload["job_state"] = j.State
	return nil
}

// ReviewMilestone parks a submitted milestone in under_review while the
// client's decision takes more than one transaction.
func (e Engine) ReviewMilestone(ctx context.Context, jobID, capToken string, seq int, actor string) (domain.Milestone, error) {
	return e.clientMilestoneTransition(ctx, jobID, capToken, seq, actor, domain.MilestoneUnderReview, events.MilestoneReviewed, nil)
}

// RequestRevision sends a submitted milestone back to the freelancer.
func (e Engine) RequestRevision(ctx context.Context, jobID, capToken string, seq int, actor string) (domain.Milestone, error) {
	maxRevisions := 0
	if e.Config != nil {
		maxRevisions = e.Config.Milestones.MaxRevisions
	}
	return e.clientMilestoneTransition(ctx, jobID, capToken, seq, actor, domain.MilestoneRevisionRequested, events.RevisionRequested,
		func(m *domain.Milestone) error {
			if maxRevisions > 0 && m.RevisionCount >= maxRevisions {
				return fmt.Errorf("revision limit %d reached for milestone %d", maxRevisions, m.Seq)
			}
			m.RevisionCount++
			return nil
		})
}

// ResolveDispute returns a disputed milestone to submitted. What happened
// in arbitration is not the engine's concern; it only reopens the release
// path.
func (e Engine) ResolveDispute(ctx context.Context, jobID, capToken string, seq int, actor string) (domain.Milestone, error) {
	return e.clientMilestoneTransition(ctx, jobID, capToken, seq, actor, domain.MilestoneSubmitted, events.MilestoneResolved, nil)
}

func (e Engine) clientMilestoneTransition(ctx context.Context, jobID, capToken string, seq int, actor, newState, evtType string, apply func(*domain.Milestone) error) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if domain.TerminalJobState(j.State) {
		return domain.Milestone{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Milestone{}, err
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, jobID, seq)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := ensureMilestoneTransition(m.State, newState); err != nil {
		return domain.Milestone{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.State = newState
	m.UpdatedAt = now
	if apply != nil {
		if err := apply(&m); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if newState == domain.MilestoneRevisionRequested && j.State == domain.JobSubmitted {
		if err := ensureJobTransition(j.State, domain.JobInProgress); err != nil {
			return domain.Milestone{}, err
		}
		j.State = domain.JobInProgress
		j.UpdatedAt = now
		if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
			return domain.Milestone{}, err
		}
	}
	payload := events.EventPayload{"seq": seq}
	if newState == domain.MilestoneSubmitted {
		// resolving the last open dispute can complete the submission
		if err := e.markJobSubmittedIfComplete(ctx, tx, j, now, payload); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, jobID, "milestone", milestoneEntityID(jobID, seq), actor, payload); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// DisputeMilestone freezes fund release for one milestone. Either party
// may raise it.
func (e Engine) DisputeMilestone(ctx context.Context, jobID string, seq int, actor string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if domain.TerminalJobState(j.State) {
		return domain.Milestone{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if actor != j.Client && (j.Freelancer == nil || *j.Freelancer != actor) {
		return domain.Milestone{}, fmt.Errorf("%w: caller is not a party to this job", ErrUnauthorized)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, jobID, seq)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := ensureMilestoneTransition(m.State, domain.MilestoneDisputed); err != nil {
		return domain.Milestone{}, err
	}
	m.State = domain.MilestoneDisputed
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneDisputed, jobID, "milestone", milestoneEntityID(jobID, seq), actor, events.EventPayload{"seq": seq, "raised_by": actor}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// ApproveMilestone releases the tranche to the freelancer atomically with
// the approved transition. Approving the last milestone completes the job,
// refunds any unallocated escrow remainder and updates both parties'
// participation records.
func (e Engine) ApproveMilestone(ctx context.Context, jobID, capToken string, seq int, actor string) (domain.Job, domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if domain.TerminalJobState(j.State) {
		return domain.Job{}, domain.Milestone{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if j.Freelancer == nil {
		return domain.Job{}, domain.Milestone{}, fmt.Errorf("%w: job has no freelancer", ErrInvalidState)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, jobID, seq)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if m.State == domain.MilestoneApproved {
		return domain.Job{}, domain.Milestone{}, fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, seq)
	}
	if err := ensureMilestoneTransition(m.State, domain.MilestoneApproved); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	freelancer := *j.Freelancer
	now := e.now().UTC().Format(time.RFC3339)

	m.State = domain.MilestoneApproved
	m.ApprovedAt = &now
	m.UpdatedAt = now
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}

	// atomic release: escrow out, freelancer account in, ledger row
	j.Escrow -= m.Amount
	j.Released += m.Amount
	if err := e.Repo.CreditAccount(ctx, tx, freelancer, m.Amount, now); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if err := e.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		JobID: jobID, Address: freelancer, Kind: domain.LedgerEscrowRelease, Amount: m.Amount, CreatedAt: now,
	}); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}

	clientProfile, err := e.Repo.GetProfileTx(ctx, tx, j.Client)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	freelancerProfile, err := e.Repo.GetProfileTx(ctx, tx, freelancer)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	clientProfile.TotalAmount += m.Amount
	clientProfile.UpdatedAt = now
	freelancerProfile.TotalAmount += m.Amount
	freelancerProfile.UpdatedAt = now

	unapproved, err := e.Repo.CountMilestonesNotInTx(ctx, tx, jobID, domain.MilestoneApproved)
	if err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	completed := unapproved == 0
	if completed {
		if remainder := j.Escrow; remainder > 0 {
			// nothing left to pay out of the unallocated remainder;
			// return it so no value is stranded in a terminal job
			j.Escrow = 0
			j.Refunded += remainder
			if err := e.Repo.CreditAccount(ctx, tx, j.Client, remainder, now); err != nil {
				return domain.Job{}, domain.Milestone{}, err
			}
			if err := e.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
				JobID: jobID, Address: j.Client, Kind: domain.LedgerEscrowRefund, Amount: remainder, CreatedAt: now,
			}); err != nil {
				return domain.Job{}, domain.Milestone{}, err
			}
		}
		if err := ensureJobTransition(j.State, domain.JobCompleted); err != nil {
			return domain.Job{}, domain.Milestone{}, err
		}
		j.State = domain.JobCompleted
		freelancerProfile.CompletedJobs++
		clientProfile.CompletedJobs++
		if err := e.Repo.RemoveActiveJob(ctx, tx, freelancer, jobID); err != nil {
			return domain.Job{}, domain.Milestone{}, err
		}
		if err := e.Repo.RemoveActiveJob(ctx, tx, j.Client, jobID); err != nil {
			return domain.Job{}, domain.Milestone{}, err
		}
		if err := e.Caps.RevokeJobCap(ctx, tx, jobID); err != nil {
			return domain.Job{}, domain.Milestone{}, err
		}
	}
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if err := e.Repo.UpdateProfileTx(ctx, tx, clientProfile); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if err := e.Repo.UpdateProfileTx(ctx, tx, freelancerProfile); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneApproved, jobID, "milestone", milestoneEntityID(jobID, seq), actor, events.EventPayload{
		"seq":        seq,
		"amount":     m.Amount,
		"freelancer": freelancer,
	}); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	if completed {
		if err := e.Events.Append(ctx, tx, events.JobCompleted, jobID, "job", jobID, actor, events.EventPayload{
			"client":     j.Client,
			"freelancer": freelancer,
			"released":   j.Released,
			"refunded":   j.Refunded,
		}); err != nil {
			return domain.Job{}, domain.Milestone{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, domain.Milestone{}, err
	}
	return j, m, nil
}

// CancelJob aborts an open job and refunds the full escrow to the client.
func (e Engine) CancelJob(ctx context.Context, jobID, capToken, actor string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.State != domain.JobOpen {
		return domain.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(j.State, domain.JobCancelled); err != nil {
		return domain.Job{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.refundEscrow(ctx, tx, &j, now); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobCancelled
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Caps.RevokeJobCap(ctx, tx, jobID); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobCancelled, jobID, "job", jobID, actor, events.EventPayload{"refunded": j.Refunded}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// CancelJobWithFreelancer aborts an assigned or running job, refunds the
// unreleased escrow and detaches the freelancer.
func (e Engine) CancelJobWithFreelancer(ctx context.Context, jobID, capToken, actor string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.State != domain.JobAssigned && j.State != domain.JobInProgress {
		return domain.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	if err := e.verifyJobCap(ctx, tx, jobID, capToken, actor); err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(j.State, domain.JobCancelledWithFreelancer); err != nil {
		return domain.Job{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.refundEscrow(ctx, tx, &j, now); err != nil {
		return domain.Job{}, err
	}
	freelancer := ""
	if j.Freelancer != nil {
		freelancer = *j.Freelancer
		if err := e.Repo.RemoveActiveJob(ctx, tx, freelancer, jobID); err != nil {
			return domain.Job{}, err
		}
	}
	j.State = domain.JobCancelledWithFreelancer
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Caps.RevokeJobCap(ctx, tx, jobID); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobCancelledWithFreelancer, jobID, "job", jobID, actor, events.EventPayload{
		"refunded":   j.Refunded,
		"freelancer": freelancer,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (e Engine) refundEscrow(ctx context.Context, tx *sql.Tx, j *domain.Job, now string) error {
	if j.Escrow == 0 {
		return nil
	}
	amount := j.Escrow
	j.Escrow = 0
	j.Refunded += amount
	if err := e.Repo.CreditAccount(ctx, tx, j.Client, amount, now); err != nil {
		return err
	}
	return e.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		JobID: j.ID, Address: j.Client, Kind: domain.LedgerEscrowRefund, Amount: amount, CreatedAt: now,
	})
}

// RateCounterparty records a post-completion rating. Each party rates the
// other at most once per job; the ratee's reputation folds in the score
// through the pluggable policy.
func (e Engine) RateCounterparty(ctx context.Context, jobID string, score int64, actor string) (domain.Profile, error) {
	min, max := int64(1), int64(5)
	if e.Config != nil {
		min, max = e.Config.Ratings.Min, e.Config.Ratings.Max
	}
	if score < min || score > max {
		return domain.Profile{}, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidRating, score, min, max)
	}
	policy := e.Reputation
	if policy == nil {
		policy = RunningAverage
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Profile{}, err
	}
	if j.State != domain.JobCompleted {
		return domain.Profile{}, fmt.Errorf("%w: job is %s", ErrInvalidState, j.State)
	}
	var ratee string
	switch {
	case actor == j.Client && j.Freelancer != nil:
		ratee = *j.Freelancer
	case j.Freelancer != nil && actor == *j.Freelancer:
		ratee = j.Client
	default:
		return domain.Profile{}, fmt.Errorf("%w: caller is not a party to this job", ErrUnauthorized)
	}
	rated, err := e.Repo.HasRatingTx(ctx, tx, jobID, actor)
	if err != nil {
		return domain.Profile{}, err
	}
	if rated {
		return domain.Profile{}, fmt.Errorf("job %s already rated by %s", jobID, actor)
	}
	p, err := e.Repo.GetProfileTx(ctx, tx, ratee)
	if err != nil {
		return domain.Profile{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p.Rating = policy(p.Rating, p.RatingCount, score)
	p.RatingCount++
	p.UpdatedAt = now
	if err := e.Repo.UpdateProfileTx(ctx, tx, p); err != nil {
		return domain.Profile{}, err
	}
	if err := e.Repo.InsertRating(ctx, tx, domain.Rating{
		JobID: jobID, Rater: actor, Ratee: ratee, Score: score, CreatedAt: now,
	}); err != nil {
		return domain.Profile{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReputationUpdated, jobID, "profile", ratee, actor, events.EventPayload{
		"score":  score,
		"rating": p.Rating,
		"count":  p.RatingCount,
	}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func milestoneEntityID(jobID string, seq int) string {
	return fmt.Sprintf("%s/%d", jobID, seq)
}
