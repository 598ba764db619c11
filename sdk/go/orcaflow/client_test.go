package orcaflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPlanWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission PlanSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.PayerWallet != "0xabc" {
			t.Fatalf("expected payer 0xabc, got %q", submission.PayerWallet)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", Status: "draft"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	wf, err := client.PlanWorkflow(context.Background(), PlanSubmission{
		PayerWallet: "0xabc",
		Message:     "translate hello",
	})
	if err != nil {
		t.Fatalf("plan workflow: %v", err)
	}
	if wf.ID != "wf-1" || wf.Status != "draft" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
}

func TestListWorkflowsQueryEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("payer_wallet") != "0xabc" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := q["status"]; len(got) != 2 {
			t.Fatalf("expected two status filters, got %v", got)
		}
		_ = json.NewEncoder(w).Encode(map[string][]Workflow{
			"workflows": {{ID: "wf-1"}, {ID: "wf-2"}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	workflows, err := client.ListWorkflows(context.Background(), ListWorkflowsQuery{
		Limit:       5,
		Statuses:    []string{"active", "draft"},
		PayerWallet: "0xabc",
		Ascending:   true,
	})
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(workflows))
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "STEP_OUT_OF_ORDER",
			"message": "step is not the current step",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.CreateStepJob(context.Background(), "wf-1", 2, "0xabc")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "STEP_OUT_OF_ORDER" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitUntilStepDone(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/step-1/poll" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		polls++
		step := Step{ID: "step-1", JobStatus: "running"}
		if polls >= 3 {
			step.JobStatus = "succeeded"
			step.PaymentStatus = "awaiting_payment"
		}
		_ = json.NewEncoder(w).Encode(StepPoll{
			Step:     step,
			Workflow: Workflow{ID: "wf-1", Status: "active"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	step, err := client.WaitUntilStepDone(ctx, "step-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until done: %v", err)
	}
	if step.PaymentStatus != "awaiting_payment" {
		t.Fatalf("expected awaiting_payment, got %q", step.PaymentStatus)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestPollStepCarriesWorkflowSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StepPoll{
			Step:     Step{ID: "step-1", JobStatus: "succeeded", PaymentStatus: "not_required"},
			Workflow: Workflow{ID: "wf-1", Status: "completed", CurrentStep: 1},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	poll, err := client.PollStep(context.Background(), "step-1")
	if err != nil {
		t.Fatalf("poll step: %v", err)
	}
	if !poll.Step.Done() {
		t.Fatalf("expected a done step, got %+v", poll.Step)
	}
	if poll.Workflow.Status != "completed" || poll.Workflow.CurrentStep != 1 {
		t.Fatalf("expected the advanced workflow snapshot, got %+v", poll.Workflow)
	}
}

func TestStepDone(t *testing.T) {
	cases := []struct {
		step Step
		want bool
	}{
		{Step{JobStatus: "failed"}, true},
		{Step{JobStatus: "succeeded", PaymentStatus: "not_required"}, true},
		{Step{JobStatus: "succeeded", PaymentStatus: "settled"}, true},
		{Step{JobStatus: "succeeded", PaymentStatus: "awaiting_payment"}, false},
		{Step{JobStatus: "running"}, false},
	}
	for _, tc := range cases {
		if got := tc.step.Done(); got != tc.want {
			t.Fatalf("Done(%s/%s) = %v, want %v", tc.step.JobStatus, tc.step.PaymentStatus, got, tc.want)
		}
	}
}
