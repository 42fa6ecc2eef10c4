package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	APIKey string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("mkt-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	apiKey, _, err := e.Repo.CreateAPIKey(context.Background(), "indexer", "test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		APIKey: apiKey,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func (s *testServer) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Api-Key", s.APIKey)
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && res.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal %s: %v (%s)", path, err, string(data))
		}
	}
	return res
}

// seedCompletedJob drives a full escrow lifecycle through the engine so
// the read endpoints have real state to serve.
func seedCompletedJob(t *testing.T, e engine.Engine) domain.Job {
	t.Helper()
	ctx := context.Background()
	for _, p := range []struct{ addr, role string }{
		{"alice", domain.RoleClient},
		{"bob", domain.RoleFreelancer},
	} {
		if _, err := e.CreateProfile(ctx, engine.ProfileCreateOptions{
			Address: p.addr, Role: p.role, DisplayName: p.addr, Actor: p.addr,
		}); err != nil {
			t.Fatalf("profile %s: %v", p.addr, err)
		}
	}
	if _, err := e.Deposit(ctx, "alice", 1000, "alice"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	j, capToken, err := e.CreateJob(ctx, engine.JobCreateOptions{
		Client: "alice", Title: "Index me", Budget: 1000,
		Deadline: "2024-06-01T00:00:00Z", Actor: "alice",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := e.AddMilestone(ctx, j.ID, capToken, "", 1000, "alice"); err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	_, updateCap, err := e.ApplyForJob(ctx, j.ID, "", "bob")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := e.AssignFreelancer(ctx, j.ID, capToken, "bob", "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := e.StartJob(ctx, j.ID, updateCap, "bob"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.SubmitMilestone(ctx, j.ID, 1, "proof", "bob"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, _, err := e.ApproveMilestone(ctx, j.ID, capToken, 1, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return done
}

func TestReadEndpoints(t *testing.T) {
	srv := newTestServer(t)
	j := seedCompletedJob(t, srv.Engine)

	var fetched JobResponse
	if res := srv.get(t, "/v0/jobs/"+j.ID, &fetched); res.StatusCode != http.StatusOK {
		t.Fatalf("get job status %d", res.StatusCode)
	}
	if fetched.State != domain.JobCompleted || fetched.Released != 1000 {
		t.Fatalf("unexpected job: %+v", fetched)
	}

	var jobs paginatedJobs
	if res := srv.get(t, "/v0/jobs?state=completed", &jobs); res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs status %d", res.StatusCode)
	}
	if len(jobs.Items) != 1 || jobs.Items[0].ID != j.ID {
		t.Fatalf("unexpected listing: %+v", jobs)
	}

	var milestones []MilestoneResponse
	if res := srv.get(t, "/v0/jobs/"+j.ID+"/milestones", &milestones); res.StatusCode != http.StatusOK {
		t.Fatalf("milestones status %d", res.StatusCode)
	}
	if len(milestones) != 1 || milestones[0].State != domain.MilestoneApproved {
		t.Fatalf("unexpected milestones: %+v", milestones)
	}

	var profile ProfileResponse
	if res := srv.get(t, "/v0/profiles/bob", &profile); res.StatusCode != http.StatusOK {
		t.Fatalf("profile status %d", res.StatusCode)
	}
	if profile.CompletedJobs != 1 || profile.TotalAmount != 1000 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	var account AccountResponse
	if res := srv.get(t, "/v0/accounts/bob", &account); res.StatusCode != http.StatusOK {
		t.Fatalf("account status %d", res.StatusCode)
	}
	if account.Available != 1000 {
		t.Fatalf("unexpected account: %+v", account)
	}

	var ledger []LedgerEntryResponse
	if res := srv.get(t, "/v0/jobs/"+j.ID+"/ledger", &ledger); res.StatusCode != http.StatusOK {
		t.Fatalf("ledger status %d", res.StatusCode)
	}
	var hold, release int64
	for _, le := range ledger {
		switch le.Kind {
		case domain.LedgerEscrowHold:
			hold += le.Amount
		case domain.LedgerEscrowRelease:
			release += le.Amount
		}
	}
	if hold != 1000 || release != 1000 {
		t.Fatalf("ledger totals hold=%d release=%d", hold, release)
	}
}

func TestEventsFeedPagination(t *testing.T) {
	srv := newTestServer(t)
	seedCompletedJob(t, srv.Engine)

	var page paginatedEvents
	if res := srv.get(t, "/v0/events/feed?limit=3", &page); res.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d", res.StatusCode)
	}
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("unexpected page: %+v", page)
	}
	var next paginatedEvents
	if res := srv.get(t, "/v0/events/feed?limit=100&cursor="+page.NextCursor, &next); res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d", res.StatusCode)
	}
	if len(next.Items) == 0 {
		t.Fatalf("expected more events")
	}
	if next.Items[0].ID <= page.Items[2].ID {
		t.Fatalf("cursor did not advance: %d <= %d", next.Items[0].ID, page.Items[2].ID)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/jobs", nil)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = srv.client.Do(req)
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", res.StatusCode)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	srv := newTestServer(t)
	res := srv.get(t, "/v0/jobs/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
