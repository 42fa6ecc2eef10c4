package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

const testDeadline = "2024-06-01T00:00:00Z"

func mustProfile(t *testing.T, env testEnv, address, role string) {
	t.Helper()
	_, err := env.Engine.CreateProfile(env.Ctx, engine.ProfileCreateOptions{
		Address:     address,
		Role:        role,
		DisplayName: address,
		Actor:       address,
	})
	if err != nil {
		t.Fatalf("create profile %s: %v", address, err)
	}
}

func mustDeposit(t *testing.T, env testEnv, address string, amount int64) {
	t.Helper()
	if _, err := env.Engine.Deposit(env.Ctx, address, amount, address); err != nil {
		t.Fatalf("deposit %s: %v", address, err)
	}
}

// postedJob sets up a client and freelancer, funds the client and posts a
// job, returning the job and the client's capability token.
func postedJob(t *testing.T, env testEnv, budget int64) (domain.Job, string) {
	t.Helper()
	mustProfile(t, env, "alice", domain.RoleClient)
	mustProfile(t, env, "bob", domain.RoleFreelancer)
	mustDeposit(t, env, "alice", budget)
	j, capToken, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client:   "alice",
		Title:    "Build the thing",
		Budget:   budget,
		Deadline: testDeadline,
		Actor:    "alice",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j, capToken
}

// runningJob takes a posted job through apply, assign and start, returning
// the freelancer's spent-cap job in in_progress state.
func runningJob(t *testing.T, env testEnv, jobID, capToken string) {
	t.Helper()
	_, updateCap, err := env.Engine.ApplyForJob(env.Ctx, jobID, "", "bob")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.AssignFreelancer(env.Ctx, jobID, capToken, "bob", "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.StartJob(env.Ctx, jobID, updateCap, "bob"); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCreateJobEscrowsBudget(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if capToken == "" {
		t.Fatalf("expected capability token")
	}
	if j.State != domain.JobOpen || j.Escrow != 1000 || j.Budget != 1000 {
		t.Fatalf("unexpected job: %+v", j)
	}
	acct, err := env.Engine.Repo.GetAccount(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Available != 0 {
		t.Fatalf("expected escrowed funds, available=%d", acct.Available)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	mustProfile(t, env, "alice", domain.RoleClient)
	mustDeposit(t, env, "alice", 100)

	_, _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "alice", Title: "x", Budget: 500, Deadline: testDeadline, Actor: "alice",
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	_, _, err = env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "alice", Title: "x", Budget: 50, Deadline: "2020-01-01T00:00:00Z", Actor: "alice",
	})
	if !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected invalid deadline, got %v", err)
	}
	_, _, err = env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "alice", Title: "x", Budget: 50, Deadline: testDeadline, Actor: "mallory",
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestApplyValidation(t *testing.T) {
	env := newTestEnv(t)
	j, _ := postedJob(t, env, 1000)

	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "alice"); !errors.Is(err, engine.ErrSelfApplication) {
		t.Fatalf("expected self application, got %v", err)
	}
	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "bob"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "bob"); !errors.Is(err, engine.ErrDuplicateApplication) {
		t.Fatalf("expected duplicate application, got %v", err)
	}
	// unregistered addresses cannot apply
	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssignRequiresCapAndApplicant(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "bob"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.AssignFreelancer(env.Ctx, j.ID, "bogus-token", "bob", "alice"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized with forged token, got %v", err)
	}
	if _, err := env.Engine.AssignFreelancer(env.Ctx, j.ID, capToken, "carol", "alice"); !errors.Is(err, engine.ErrNotAnApplicant) {
		t.Fatalf("expected not an applicant, got %v", err)
	}
	j2, err := env.Engine.AssignFreelancer(env.Ctx, j.ID, capToken, "bob", "alice")
	if err != nil || j2.State != domain.JobAssigned {
		t.Fatalf("assign: %v %+v", err, j2)
	}
	if j2.Freelancer == nil || *j2.Freelancer != "bob" {
		t.Fatalf("freelancer not recorded: %+v", j2)
	}
}

func TestStartJobConsumesUpdateCap(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	_, updateCap, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "bob")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// start before assignment
	if _, err := env.Engine.StartJob(env.Ctx, j.ID, updateCap, "bob"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := env.Engine.AssignFreelancer(env.Ctx, j.ID, capToken, "bob", "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// the client cannot start on the freelancer's behalf
	if _, err := env.Engine.StartJob(env.Ctx, j.ID, updateCap, "alice"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	j2, err := env.Engine.StartJob(env.Ctx, j.ID, updateCap, "bob")
	if err != nil || j2.State != domain.JobInProgress {
		t.Fatalf("start: %v %+v", err, j2)
	}
	p, err := env.Engine.Repo.GetProfile(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.TotalJobs != 1 || len(p.ActiveJobs) != 1 || p.ActiveJobs[0] != j.ID {
		t.Fatalf("profile not updated: %+v", p)
	}
	// the one-shot token is spent
	if _, err := env.Engine.StartJob(env.Ctx, j.ID, updateCap, "bob"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on re-start, got %v", err)
	}
}

func TestStartJobRequiresUpdateCap(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, _, err := env.Engine.ApplyForJob(env.Ctx, j.ID, "", "bob"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.AssignFreelancer(env.Ctx, j.ID, capToken, "bob", "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// a token that was never minted cannot bridge the start
	if _, err := env.Engine.StartJob(env.Ctx, j.ID, "not-a-token", "bob"); !errors.Is(err, engine.ErrMissingCapability) {
		t.Fatalf("expected missing capability, got %v", err)
	}
	j2, err := env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j2.State != domain.JobAssigned {
		t.Fatalf("job should stay assigned, got %s", j2.State)
	}
}

func TestMilestoneBudgetGuard(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 600, "alice"); err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 500, "alice"); !errors.Is(err, engine.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 400, "alice"); err != nil {
		t.Fatalf("add second milestone: %v", err)
	}
	runningJob(t, env, j.ID, capToken)
	// milestones are fixed once work starts
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1, "alice"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestHappyPathSingleMilestone(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "ipfs://proof", "bob"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	j2, m, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.State != domain.MilestoneApproved || m.ApprovedAt == nil {
		t.Fatalf("milestone not approved: %+v", m)
	}
	if j2.State != domain.JobCompleted || j2.Escrow != 0 || j2.Released != 1000 {
		t.Fatalf("job not settled: %+v", j2)
	}
	acct, err := env.Engine.Repo.GetAccount(env.Ctx, "bob")
	if err != nil || acct.Available != 1000 {
		t.Fatalf("freelancer not paid: %v %+v", err, acct)
	}
	bob, _ := env.Engine.Repo.GetProfile(env.Ctx, "bob")
	if bob.CompletedJobs != 1 || bob.TotalAmount != 1000 || len(bob.ActiveJobs) != 0 {
		t.Fatalf("freelancer profile: %+v", bob)
	}
	alice, _ := env.Engine.Repo.GetProfile(env.Ctx, "alice")
	if alice.TotalAmount != 1000 {
		t.Fatalf("client profile: %+v", alice)
	}
	// cap is revoked at completion
	if _, err := env.Engine.CancelJob(env.Ctx, j.ID, capToken, "alice"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state after completion, got %v", err)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 400, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 600, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); !errors.Is(err, engine.ErrAlreadyReleased) {
		t.Fatalf("expected already released, got %v", err)
	}
}

func TestJobSubmittedWhenAllMilestonesIn(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 500, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 500, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	j2, _ := env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if j2.State != domain.JobInProgress {
		t.Fatalf("job flipped early: %s", j2.State)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 2, "", "bob"); err != nil {
		t.Fatal(err)
	}
	j2, _ = env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if j2.State != domain.JobSubmitted {
		t.Fatalf("expected submitted, got %s", j2.State)
	}
	// a revision request reopens work
	if _, err := env.Engine.RequestRevision(env.Ctx, j.ID, capToken, 2, "alice"); err != nil {
		t.Fatal(err)
	}
	j2, _ = env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if j2.State != domain.JobInProgress {
		t.Fatalf("expected in_progress after revision, got %s", j2.State)
	}
}

func TestRevisionFlow(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "v1", "bob"); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.RequestRevision(env.Ctx, j.ID, capToken, 1, "alice")
	if err != nil || m.State != domain.MilestoneRevisionRequested || m.RevisionCount != 1 {
		t.Fatalf("revise: %v %+v", err, m)
	}
	// only the freelancer can resubmit
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "v2", "alice"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "v2", "bob"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func TestRevisionLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Milestones.MaxRevisions = 1
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "v1", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestRevision(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "v2", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestRevision(env.Ctx, j.ID, capToken, 1, "alice"); err == nil {
		t.Fatalf("expected revision limit error")
	}
}

func TestDisputeFreezesRelease(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	// either party may dispute; an outsider may not
	if _, err := env.Engine.DisputeMilestone(env.Ctx, j.ID, 1, "mallory"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	m, err := env.Engine.DisputeMilestone(env.Ctx, j.ID, 1, "bob")
	if err != nil || m.State != domain.MilestoneDisputed {
		t.Fatalf("dispute: %v %+v", err, m)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); !errors.Is(err, engine.ErrInvalidMilestoneState) {
		t.Fatalf("expected frozen milestone, got %v", err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatalf("approve after resolve: %v", err)
	}
}

func TestResolveLastDisputeSubmitsJob(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 600, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 400, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DisputeMilestone(env.Ctx, j.ID, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 2, "", "bob"); err != nil {
		t.Fatal(err)
	}
	j2, err := env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	// the disputed milestone keeps the job open
	if j2.State != domain.JobInProgress {
		t.Fatalf("expected in_progress while disputed, got %s", j2.State)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	j2, err = env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j2.State != domain.JobSubmitted {
		t.Fatalf("expected submitted after resolving last dispute, got %s", j2.State)
	}
}

func TestCancelOpenRefundsAll(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	j2, err := env.Engine.CancelJob(env.Ctx, j.ID, capToken, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if j2.State != domain.JobCancelled || j2.Escrow != 0 || j2.Refunded != 1000 {
		t.Fatalf("unexpected job: %+v", j2)
	}
	acct, _ := env.Engine.Repo.GetAccount(env.Ctx, "alice")
	if acct.Available != 1000 {
		t.Fatalf("refund not credited: %+v", acct)
	}
}

func TestCancelWithFreelancerRefundsUnreleased(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 400, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 600, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	j2, err := env.Engine.CancelJobWithFreelancer(env.Ctx, j.ID, capToken, "alice")
	if err != nil {
		t.Fatalf("cancel with freelancer: %v", err)
	}
	if j2.State != domain.JobCancelledWithFreelancer {
		t.Fatalf("unexpected state: %s", j2.State)
	}
	// custody invariant: released + refunded + escrow == budget
	if j2.Released+j2.Refunded+j2.Escrow != j2.Budget {
		t.Fatalf("custody broken: %+v", j2)
	}
	if j2.Released != 400 || j2.Refunded != 600 {
		t.Fatalf("split wrong: %+v", j2)
	}
	bob, _ := env.Engine.Repo.GetProfile(env.Ctx, "bob")
	if len(bob.ActiveJobs) != 0 {
		t.Fatalf("freelancer still active on cancelled job: %+v", bob)
	}
}

func TestCompletionRefundsUnallocatedEscrow(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	// milestones cover only 700 of the budget
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 700, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	j2, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if j2.State != domain.JobCompleted || j2.Released != 700 || j2.Refunded != 300 || j2.Escrow != 0 {
		t.Fatalf("remainder not refunded: %+v", j2)
	}
	acct, _ := env.Engine.Repo.GetAccount(env.Ctx, "alice")
	if acct.Available != 300 {
		t.Fatalf("client refund: %+v", acct)
	}
}

func completedJob(t *testing.T, env testEnv) domain.Job {
	t.Helper()
	j, capToken := postedJob(t, env, 1000)
	if _, err := env.Engine.AddMilestone(env.Ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatal(err)
	}
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.SubmitMilestone(env.Ctx, j.ID, 1, "", "bob"); err != nil {
		t.Fatal(err)
	}
	j2, _, err := env.Engine.ApproveMilestone(env.Ctx, j.ID, capToken, 1, "alice")
	if err != nil {
		t.Fatal(err)
	}
	return j2
}

func TestRateCounterparty(t *testing.T) {
	env := newTestEnv(t)
	j := completedJob(t, env)

	if _, err := env.Engine.RateCounterparty(env.Ctx, j.ID, 9, "alice"); !errors.Is(err, engine.ErrInvalidRating) {
		t.Fatalf("expected invalid rating, got %v", err)
	}
	if _, err := env.Engine.RateCounterparty(env.Ctx, j.ID, 5, "mallory"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	p, err := env.Engine.RateCounterparty(env.Ctx, j.ID, 5, "alice")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if p.Address != "bob" || p.Rating != 5000 || p.RatingCount != 1 {
		t.Fatalf("ratee profile: %+v", p)
	}
	if _, err := env.Engine.RateCounterparty(env.Ctx, j.ID, 4, "alice"); err == nil {
		t.Fatalf("expected duplicate rating error")
	}
	// the freelancer rates the client back
	p, err = env.Engine.RateCounterparty(env.Ctx, j.ID, 4, "bob")
	if err != nil || p.Address != "alice" || p.Rating != 4000 {
		t.Fatalf("reverse rating: %v %+v", err, p)
	}
}

func TestRateRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	j, capToken := postedJob(t, env, 1000)
	runningJob(t, env, j.ID, capToken)
	if _, err := env.Engine.RateCounterparty(env.Ctx, j.ID, 5, "alice"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRunningAverage(t *testing.T) {
	cases := []struct {
		old, count, score, want int64
	}{
		{0, 0, 5, 5000},
		{5000, 1, 4, 4500},
		{4500, 2, 3, 4000},
		{1000, 1, 1, 1000},
	}
	for _, c := range cases {
		if got := engine.RunningAverage(c.old, c.count, c.score); got != c.want {
			t.Fatalf("RunningAverage(%d,%d,%d)=%d, want %d", c.old, c.count, c.score, got, c.want)
		}
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	j := completedJob(t, env)
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, j.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{
		"job.created", "job.applied", "job.assigned", "job.started",
		"milestone.added", "milestone.submitted", "milestone.approved", "job.completed",
	} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestEventsFeedOrdering(t *testing.T) {
	env := newTestEnv(t)
	completedJob(t, env)
	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, "")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("feed not ascending at %d: %v", i, events)
		}
	}
}

func TestProfileOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	mustProfile(t, env, "alice", domain.RoleClient)
	_, err := env.Engine.CreateProfile(env.Ctx, engine.ProfileCreateOptions{
		Address: "bob", Role: domain.RoleFreelancer, DisplayName: "bob", Actor: "alice",
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	name := "Alice Prime"
	if _, err := env.Engine.UpdateProfile(env.Ctx, "alice", &name, nil, "bob"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	p, err := env.Engine.UpdateProfile(env.Ctx, "alice", &name, nil, "alice")
	if err != nil || p.DisplayName != "Alice Prime" {
		t.Fatalf("update: %v %+v", err, p)
	}
}
