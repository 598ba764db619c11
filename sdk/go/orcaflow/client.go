package orcaflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the wait between successive polls in WaitUntilStepDone.
const DefaultPollInterval = 2 * time.Second

// Client wraps the HTTP interactions with the OrcaFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PlanSubmission represents the payload required to plan a new workflow.
type PlanSubmission struct {
	PayerWallet string `json:"payer_wallet"`
	Message     string `json:"message"`
}

// StepSpec mirrors a single planned step of a workflow.
type StepSpec struct {
	Capability  string         `json:"capability"`
	AgentID     string         `json:"agent_id"`
	AgentName   string         `json:"agent_name"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
	Terms       PaymentTerms   `json:"terms"`
}

// PaymentTerms carries the settlement conditions a paid step must meet.
type PaymentTerms struct {
	Amount      int64  `json:"amount"`
	PayeeWallet string `json:"payee_wallet"`
	Token       string `json:"token,omitempty"`
}

// Workflow contains the server side view of a workflow.
type Workflow struct {
	ID          string     `json:"id"`
	PayerWallet string     `json:"payer_wallet"`
	UserMessage string     `json:"user_message"`
	Reasoning   string     `json:"reasoning,omitempty"`
	Steps       []StepSpec `json:"steps"`
	CurrentStep int        `json:"current_step"`
	Status      string     `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// JobHandle identifies a job on a remote agent backend.
type JobHandle struct {
	AgentEndpoint string `json:"agent_endpoint"`
	JobID         string `json:"job_id"`
}

// Step contains the execution and settlement state of one workflow step.
type Step struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	StepIndex       int            `json:"step_index"`
	AgentID         string         `json:"agent_id"`
	Handle          JobHandle      `json:"handle"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	PaymentAttempts int            `json:"payment_attempts"`
	JobStatus       string         `json:"job_status"`
	PaymentStatus   string         `json:"payment_status"`
	Output          map[string]any `json:"output,omitempty"`
	TxnIDs          []string       `json:"txn_ids,omitempty"`
	RejectReason    string         `json:"reject_reason,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

// Done reports whether the step needs no further polling or payment.
func (s Step) Done() bool {
	if s.JobStatus == "failed" {
		return true
	}
	if s.JobStatus != "succeeded" {
		return false
	}
	switch s.PaymentStatus {
	case "not_required", "settled":
		return true
	default:
		return false
	}
}

// Agent mirrors a directory record of the marketplace.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Endpoint    string   `json:"endpoint"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	Price       int64    `json:"price"`
	PayeeWallet string   `json:"payee_wallet"`
	Status      string   `json:"status"`
}

// WorkflowStats aggregates workflow counts per status.
type WorkflowStats struct {
	Total           int   `json:"total"`
	Draft           int   `json:"draft"`
	Active          int   `json:"active"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ListWorkflowsQuery narrows down ListWorkflows results. Zero values are
// omitted from the request.
type ListWorkflowsQuery struct {
	Limit       int
	Offset      int
	Statuses    []string
	PayerWallet string
	Query       string
	Ascending   bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orcaflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orcaflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OrcaFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// PlanWorkflow asks the orchestrator to decompose a request into a draft
// workflow.
func (c *Client) PlanWorkflow(ctx context.Context, submission PlanSubmission) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows", submission, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// StartWorkflow activates a draft workflow. Starting an already active
// workflow is a no-op and returns its current state.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/start", nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// CancelWorkflow moves a draft or active workflow to cancelled.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/cancel", nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// AdvanceWorkflow asks the orchestrator to move past the current step once it
// is settled. Most callers never need this: the server advances on poll and
// payment; it is exposed for recovery tooling.
func (c *Client) AdvanceWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/advance", nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// GetWorkflow fetches a workflow by identifier.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID), nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// ListWorkflows returns workflows matching the query.
func (c *Client) ListWorkflows(ctx context.Context, query ListWorkflowsQuery) ([]Workflow, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	for _, status := range query.Statuses {
		values.Add("status", status)
	}
	if query.PayerWallet != "" {
		values.Set("payer_wallet", query.PayerWallet)
	}
	if query.Query != "" {
		values.Set("q", query.Query)
	}
	if query.Ascending {
		values.Set("order", "asc")
	}
	var payload struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.get(ctx, "/api/v1/workflows", values, &payload); err != nil {
		return nil, err
	}
	return payload.Workflows, nil
}

// GetWorkflowStats fetches aggregate workflow counts.
func (c *Client) GetWorkflowStats(ctx context.Context) (WorkflowStats, error) {
	var stats WorkflowStats
	if err := c.get(ctx, "/api/v1/workflows/stats", nil, &stats); err != nil {
		return WorkflowStats{}, err
	}
	return stats, nil
}

// CreateStepJob dispatches the job of one workflow step to its agent backend.
// Repeating the call for an already dispatched step returns the existing step.
func (c *Client) CreateStepJob(ctx context.Context, workflowID string, stepIndex int, payerWallet string) (Step, error) {
	endpoint := fmt.Sprintf("/api/v1/workflows/%s/steps/%d/jobs", url.PathEscape(workflowID), stepIndex)
	payload := struct {
		PayerWallet string `json:"payer_wallet"`
	}{PayerWallet: payerWallet}
	var step Step
	if err := c.post(ctx, endpoint, payload, &step); err != nil {
		return Step{}, err
	}
	return step, nil
}

// GetStep fetches the stored state of a step without contacting the backend.
func (c *Client) GetStep(ctx context.Context, stepID string) (Step, error) {
	var step Step
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(stepID), nil, &step); err != nil {
		return Step{}, err
	}
	return step, nil
}

// StepPoll bundles the reconciled step with the workflow snapshot taken after
// any automatic advancement the poll triggered.
type StepPoll struct {
	Step     Step     `json:"step"`
	Workflow Workflow `json:"workflow"`
}

// PollStep reconciles the step against its remote job and returns the updated
// state together with the post-advance workflow snapshot.
func (c *Client) PollStep(ctx context.Context, stepID string) (StepPoll, error) {
	var poll StepPoll
	if err := c.post(ctx, "/api/v1/jobs/"+url.PathEscape(stepID)+"/poll", nil, &poll); err != nil {
		return StepPoll{}, err
	}
	return poll, nil
}

// SubmitPayment submits the settlement transactions of a paid step.
// Resubmitting the same transaction set after settlement is a no-op.
func (c *Client) SubmitPayment(ctx context.Context, stepID string, txnIDs []string) (Step, error) {
	payload := struct {
		TxnIDs []string `json:"txn_ids"`
	}{TxnIDs: txnIDs}
	var step Step
	if err := c.post(ctx, "/api/v1/jobs/"+url.PathEscape(stepID)+"/payment", payload, &step); err != nil {
		return Step{}, err
	}
	return step, nil
}

// ListAgents returns the marketplace directory.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var payload struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Agents, nil
}

// GetAgent fetches one directory record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// WaitUntilStepDone polls the step until it is terminal or awaiting payment,
// or the context expires. interval <= 0 falls back to DefaultPollInterval.
func (c *Client) WaitUntilStepDone(ctx context.Context, stepID string, interval time.Duration) (Step, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		poll, err := c.PollStep(ctx, stepID)
		if err != nil {
			return Step{}, err
		}
		step := poll.Step
		if step.Done() || step.PaymentStatus == "awaiting_payment" {
			return step, nil
		}
		select {
		case <-ctx.Done():
			return step, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, values url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, values, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, values url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(values) > 0 {
		u.RawQuery = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
