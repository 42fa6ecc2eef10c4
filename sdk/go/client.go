package giglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gigline read API client, meant for indexers and
// dashboards consuming job state and the event feed.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID             string  `json:"id"`
	Client         string  `json:"client"`
	Freelancer     *string `json:"freelancer,omitempty"`
	Title          string  `json:"title"`
	Budget         int64   `json:"budget"`
	Escrow         int64   `json:"escrow"`
	Released       int64   `json:"released"`
	Refunded       int64   `json:"refunded"`
	State          string  `json:"state"`
	MilestoneCount int     `json:"milestone_count"`
	Deadline       string  `json:"deadline"`
}

// Milestone represents a payment tranche.
type Milestone struct {
	JobID         string `json:"job_id"`
	Seq           int    `json:"seq"`
	Amount        int64  `json:"amount"`
	State         string `json:"state"`
	Proof         string `json:"proof,omitempty"`
	RevisionCount int    `json:"revision_count"`
}

// Profile represents an identity record.
type Profile struct {
	Address       string   `json:"address"`
	Role          string   `json:"role"`
	DisplayName   string   `json:"display_name"`
	Rating        int64    `json:"rating"`
	RatingCount   int64    `json:"rating_count"`
	CompletedJobs int64    `json:"completed_jobs"`
	TotalJobs     int64    `json:"total_jobs"`
	TotalAmount   int64    `json:"total_amount"`
	ActiveJobs    []string `json:"active_jobs"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// LedgerEntry represents one fund movement.
type LedgerEntry struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id,omitempty"`
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedJobs wraps job listings with cursors.
type PaginatedJobs struct {
	Items      []Job  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.apiPath("jobs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Jobs returns a page of jobs matching the given state filter.
func (c *Client) Jobs(ctx context.Context, state string, limit int, cursor string) (PaginatedJobs, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedJobs
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("jobs"), q), nil, &resp)
	return resp, err
}

// Milestones returns a job's milestones.
func (c *Client) Milestones(ctx context.Context, jobID string) ([]Milestone, error) {
	var resp []Milestone
	endpoint := c.apiPath(fmt.Sprintf("jobs/%s/milestones", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ledger returns a job's fund movements.
func (c *Client) Ledger(ctx context.Context, jobID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	endpoint := c.apiPath(fmt.Sprintf("jobs/%s/ledger", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProfile fetches a profile by address.
func (c *Client) GetProfile(ctx context.Context, address string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, c.apiPath("profiles/"+url.PathEscape(address)), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("events"), q), nil, &resp)
	return resp, err
}

// Feed returns events in insertion order after the given cursor. Indexers
// poll this with the highest id they have seen.
func (c *Client) Feed(ctx context.Context, cursor int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("events/feed"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
