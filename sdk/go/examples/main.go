package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OrcaFlow/sdk/go/orcaflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orcaflow.Workflow{
			ID:          "wf-demo",
			PayerWallet: "0xabc",
			UserMessage: "translate then summarize",
			Status:      "draft",
			Steps: []orcaflow.StepSpec{
				{Capability: "translation", AgentID: "agent-translator"},
				{Capability: "nlp", AgentID: "agent-summarizer", Terms: orcaflow.PaymentTerms{
					Amount:      1500000000000000,
					PayeeWallet: "0x1111111111111111111111111111111111111111",
				}},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/workflows/wf-demo/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orcaflow.Workflow{ID: "wf-demo", Status: "active"})
	})
	mux.HandleFunc("POST /api/v1/workflows/wf-demo/steps/0/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orcaflow.Step{
			ID: "step-demo", WorkflowID: "wf-demo", JobStatus: "running",
		})
	})
	mux.HandleFunc("POST /api/v1/jobs/step-demo/poll", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orcaflow.StepPoll{
			Step: orcaflow.Step{
				ID: "step-demo", WorkflowID: "wf-demo",
				JobStatus: "succeeded", PaymentStatus: "not_required",
				Output: map[string]any{"text": "你好"},
			},
			Workflow: orcaflow.Workflow{ID: "wf-demo", Status: "active", CurrentStep: 1},
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := orcaflow.NewClient(server.URL, nil)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wf, err := client.PlanWorkflow(ctx, orcaflow.PlanSubmission{
		PayerWallet: "0xabc",
		Message:     "translate then summarize",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("planned workflow %s with %d steps\n", wf.ID, len(wf.Steps))

	if _, err := client.StartWorkflow(ctx, wf.ID); err != nil {
		panic(err)
	}

	step, err := client.CreateStepJob(ctx, wf.ID, 0, wf.PayerWallet)
	if err != nil {
		panic(err)
	}

	step, err = client.WaitUntilStepDone(ctx, step.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("step %s finished: job=%s payment=%s output=%v\n",
		step.ID, step.JobStatus, step.PaymentStatus, step.Output)
}
