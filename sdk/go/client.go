package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client. Signatures are passed in
// as 0x-hex strings; SigningDomain produces them from a private key.
type Client struct {
	BaseURL     string
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

// Milestone mirrors the API milestone model.
type Milestone struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	Amount          int64  `json:"amount"`
	State           string `json:"state"`
	DeliverableHash string `json:"deliverable_hash,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	DeliveredAt     string `json:"delivered_at,omitempty"`
}

// Job mirrors the API job model with its folded state.
type Job struct {
	ID           int64       `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category"`
	Currency     string      `json:"currency"`
	Budget       int64       `json:"budget"`
	Deadline     int64       `json:"deadline"`
	ClientID     string      `json:"client_id"`
	WorkerID     *string     `json:"worker_id,omitempty"`
	State        string      `json:"state"`
	FundedAmount int64       `json:"funded_amount"`
	Milestones   []Milestone `json:"milestones,omitempty"`
	CreatedAt    string      `json:"created_at"`
}

// AuditEvent is one entry of a job's append-only log.
type AuditEvent struct {
	ID              int64   `json:"id"`
	JobID           int64   `json:"job_id"`
	Seq             int64   `json:"seq"`
	TS              string  `json:"ts"`
	Kind            string  `json:"kind"`
	ActorID         string  `json:"actor_id"`
	AttestationHash *string `json:"attestation_hash,omitempty"`
	Payload         string  `json:"payload_json"`
}

// AuditBundle is the exportable, hash-addressed job record.
type AuditBundle struct {
	Job        Job          `json:"job"`
	Milestones []Milestone  `json:"milestones"`
	Events     []AuditEvent `json:"events"`
	Hash       string       `json:"hash"`
}

// CreateJobRequest carries the client's terms plus their signature over
// them.
type CreateJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Currency    string `json:"currency"`
	Budget      int64  `json:"budget"`
	Deadline    int64  `json:"deadline"`
	Signature   string `json:"signature"`
}

type MilestoneItem struct {
	ID     int64 `json:"id"`
	Amount int64 `json:"amount"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// server's error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AuthStart requests a one-time login code for an address.
func (c *Client) AuthStart(ctx context.Context, identity string) (string, error) {
	var resp struct {
		Sent bool   `json:"sent"`
		Code string `json:"code"`
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/start", map[string]string{"identity": identity}, &resp)
	return resp.Code, err
}

// AuthVerify exchanges a one-time code for a bearer token and installs it
// on the client.
func (c *Client) AuthVerify(ctx context.Context, identity, code string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/verify", map[string]string{"identity": identity, "code": code}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp.Token, err
}

// CreateJob creates a job from signed terms.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "v1/jobs", req, &resp)
	return resp.ID, err
}

// Job fetches a job with its folded state.
func (c *Client) Job(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/jobs/%d", id), nil, &resp)
	return resp, err
}

// Jobs lists all jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, "v1/jobs", nil, &resp)
	return resp, err
}

// AttachMilestones attaches the payout schedule to a draft job.
func (c *Client) AttachMilestones(ctx context.Context, jobID int64, schedule []MilestoneItem) error {
	body := map[string]any{"schedule": schedule}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/milestones", jobID), body, nil)
}

// RequestFunding freezes terms and asks for escrow funding.
func (c *Client) RequestFunding(ctx context.Context, jobID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/funding/request", jobID), nil, nil)
}

// ConfirmFunding records the settlement service's confirmation.
func (c *Client) ConfirmFunding(ctx context.Context, jobID, amount int64) error {
	body := map[string]int64{"amount": amount}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/funding/confirm", jobID), body, nil)
}

// CancelJob cancels a job before funds are confirmed.
func (c *Client) CancelJob(ctx context.Context, jobID int64, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/cancel", jobID), body, nil)
}

// AcceptOffer engages a worker with their signed offer.
func (c *Client) AcceptOffer(ctx context.Context, jobID int64, worker string, rate int64, signature string) error {
	body := map[string]any{"worker": worker, "rate": rate, "signature": signature}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/offer", jobID), body, nil)
}

// DeliverMilestone submits the worker's signed receipt.
func (c *Client) DeliverMilestone(ctx context.Context, jobID, milestoneID int64, deliverableHash, signature string) error {
	body := map[string]string{"deliverable_hash": deliverableHash, "signature": signature}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/milestones/%d/deliver", jobID, milestoneID), body, nil)
}

// ReleaseMilestone submits the client's signed approval.
func (c *Client) ReleaseMilestone(ctx context.Context, jobID, milestoneID int64, signature string) error {
	body := map[string]string{"signature": signature}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/milestones/%d/release", jobID, milestoneID), body, nil)
}

// DisputeMilestone freezes a delivered milestone.
func (c *Client) DisputeMilestone(ctx context.Context, jobID, milestoneID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/milestones/%d/dispute", jobID, milestoneID), nil, nil)
}

// ResolveMilestone settles a dispute with an arbiter's signed receipt.
func (c *Client) ResolveMilestone(ctx context.Context, jobID, milestoneID int64, outcome, signature string) error {
	body := map[string]string{"outcome": outcome, "signature": signature}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/milestones/%d/resolve", jobID, milestoneID), body, nil)
}

// AuditBundle exports a job's verifiable audit record.
func (c *Client) AuditBundle(ctx context.Context, jobID int64) (AuditBundle, error) {
	var resp AuditBundle
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/jobs/%d/audit", jobID), nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
