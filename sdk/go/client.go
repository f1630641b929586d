package bountylinesdk

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

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type RuleSet struct {
	Mode                  string             `json:"mode"`
	Tiers                 []int64            `json:"tiers,omitempty"`
	Weights               map[string]float64 `json:"weights,omitempty"`
	PrimaryCriterion      string             `json:"primary_criterion,omitempty"`
	ParticipationBounty   int64              `json:"participation_bounty,omitempty"`
	ParticipationMinScore float64            `json:"participation_min_score,omitempty"`
}

// PoolConfig is the document that creates a pool.
type PoolConfig struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name,omitempty"`
	OrganizerID string  `json:"organizer_id"`
	Currency    string  `json:"currency"`
	Rules       RuleSet `json:"rules"`
}

// Pool represents the API pool model (partial).
type Pool struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	Currency       string  `json:"currency"`
	Rules          RuleSet `json:"rules"`
	TotalDeposited int64   `json:"total_deposited"`
	TotalAllocated int64   `json:"total_allocated"`
	TotalPaid      int64   `json:"total_paid"`
}

type LedgerEntry struct {
	PoolID string `json:"pool_id"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Delta  int64  `json:"delta"`
	Ref    string `json:"ref,omitempty"`
}

type Balance struct {
	Deposited int64 `json:"deposited"`
	Refunded  int64 `json:"refunded"`
	Allocated int64 `json:"allocated"`
	Released  int64 `json:"released"`
	Paid      int64 `json:"paid"`
	LastSeq   int64 `json:"last_seq"`
}

type Score struct {
	ParticipantID string    `json:"participant_id"`
	Criterion     string    `json:"criterion"`
	Score         float64   `json:"score"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type Allocation struct {
	ID            string `json:"id"`
	PoolID        string `json:"pool_id"`
	ParticipantID string `json:"participant_id"`
	Rank          int    `json:"rank"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Chain         int    `json:"chain"`
	DispatchKey   string `json:"dispatch_key"`
}

// Attempt is one payout try against a rail.
type Attempt struct {
	ID           string `json:"id"`
	AllocationID string `json:"allocation_id"`
	Rail         string `json:"rail"`
	Number       int    `json:"number"`
	Status       string `json:"status"`
	ExternalRef  string `json:"external_ref,omitempty"`
	Error        string `json:"error,omitempty"`
}

type DispatchReport struct {
	PoolID   string    `json:"pool_id"`
	Attempts []Attempt `json:"attempts"`
	Closed   bool      `json:"closed"`
}

type ReconcileReport struct {
	PoolID      string   `json:"pool_id"`
	Checked     int      `json:"checked"`
	Confirmed   []string `json:"confirmed"`
	Failed      []string `json:"failed"`
	Requeued    []string `json:"requeued"`
	Unreachable []string `json:"unreachable"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	PoolID     string `json:"pool_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) CreatePool(ctx context.Context, cfg PoolConfig) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodPost, "pools", cfg, &resp)
	return resp, err
}

func (c *Client) GetPool(ctx context.Context, poolID string) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodGet, poolPath(poolID, ""), nil, &resp)
	return resp, err
}

// Deposit records funds received for a pool.
func (c *Client) Deposit(ctx context.Context, poolID string, amount int64, source string) (LedgerEntry, error) {
	var resp LedgerEntry
	err := c.do(ctx, http.MethodPost, poolPath(poolID, "deposits"), map[string]any{"amount": amount, "source": source}, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, poolID, status string) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodPost, poolPath(poolID, "transitions"), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) RegisterParticipant(ctx context.Context, id, rail, destination string) error {
	return c.do(ctx, http.MethodPost, "participants", map[string]any{
		"id": id, "rail": rail, "destination": destination,
	}, nil)
}

func (c *Client) RecordScores(ctx context.Context, poolID string, scores []Score) error {
	return c.do(ctx, http.MethodPost, poolPath(poolID, "scores"), map[string]any{"scores": scores}, nil)
}

// StartDistribution computes and reserves allocations for a locked pool.
func (c *Client) StartDistribution(ctx context.Context, poolID string) ([]Allocation, error) {
	var resp []Allocation
	err := c.do(ctx, http.MethodPost, poolPath(poolID, "distribution"), nil, &resp)
	return resp, err
}

func (c *Client) Allocations(ctx context.Context, poolID, status string) ([]Allocation, error) {
	endpoint := poolPath(poolID, "allocations")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Allocation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) DispatchPool(ctx context.Context, poolID string) (DispatchReport, error) {
	var resp DispatchReport
	err := c.do(ctx, http.MethodPost, poolPath(poolID, "dispatch"), nil, &resp)
	return resp, err
}

func (c *Client) DispatchAllocation(ctx context.Context, allocationID string) (Attempt, error) {
	var resp Attempt
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("allocations/%s/dispatch", url.PathEscape(allocationID)), nil, &resp)
	return resp, err
}

func (c *Client) Reconcile(ctx context.Context, poolID string) (ReconcileReport, error) {
	var resp ReconcileReport
	err := c.do(ctx, http.MethodPost, poolPath(poolID, "reconcile"), nil, &resp)
	return resp, err
}

// Verify replays the pool's ledger on the server.
func (c *Client) Verify(ctx context.Context, poolID string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, poolPath(poolID, "verify"), nil, &resp)
	return resp, err
}

// Events returns recent events of a pool.
func (c *Client) Events(ctx context.Context, poolID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, poolID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, poolID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := poolPath(poolID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func poolPath(poolID, p string) string {
	base := "pools/" + url.PathEscape(poolID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
