package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OrcaFlow/internal/agent"
	"OrcaFlow/internal/jobrun"
	"OrcaFlow/internal/ledger"
	"OrcaFlow/internal/planner"
	"OrcaFlow/internal/workflow"
)

func newTestServer(t *testing.T) (*httptest.Server, *ledger.MemoryLedger) {
	t.Helper()
	ctx := context.Background()

	directory := agent.NewMemoryDirectory()
	seed := []*agent.Record{
		{ID: "agent-translator", Name: "translator", Category: "translation",
			Tags: []string{"translate"}, Endpoint: "http://translator.local", Price: 0},
		{ID: "agent-summarizer", Name: "summarizer", Category: "nlp",
			Tags: []string{"summary"}, Endpoint: "http://summarizer.local",
			Price: 100, PayeeWallet: "0x1111111111111111111111111111111111111111"},
	}
	for _, record := range seed {
		if err := directory.Put(ctx, record); err != nil {
			t.Fatalf("登记智能体失败: %v", err)
		}
	}

	verifier := ledger.NewMemoryLedger()
	service, err := workflow.NewService(workflow.ServiceConfig{
		Store:     workflow.NewMemoryStore(),
		Directory: directory,
		Planner:   planner.NewStaticPlanner(),
		Backend: jobrun.NewMemoryBackend(jobrun.Result{
			Status: jobrun.StatusSucceeded,
			Output: map[string]any{"text": "ok"},
		}),
		Verifier: verifier,
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	server := httptest.NewServer(NewServer(":0", service, directory).Handler())
	t.Cleanup(server.Close)
	return server, verifier
}

func postJSON(t *testing.T, url string, payload any, out any) int {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("编码请求失败: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &body)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("解析响应失败: %v", err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("解析响应失败: %v", err)
		}
	}
	return resp.StatusCode
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	server, verifier := newTestServer(t)

	var wf workflow.Workflow
	code := postJSON(t, server.URL+"/api/v1/workflows", map[string]string{
		"payer_wallet": "0xabc",
		"message":      "translate hello then summary the result",
	}, &wf)
	if code != http.StatusCreated {
		t.Fatalf("期望 201，实际 %d", code)
	}
	if wf.Status != workflow.StatusDraft || len(wf.Steps) != 2 {
		t.Fatalf("规划结果异常: %s/%d 步", wf.Status, len(wf.Steps))
	}

	if code := postJSON(t, server.URL+"/api/v1/workflows/"+wf.ID+"/start", nil, &wf); code != http.StatusOK {
		t.Fatalf("激活期望 200，实际 %d", code)
	}
	if wf.Status != workflow.StatusActive {
		t.Fatalf("期望 active，实际 %s", wf.Status)
	}

	// 激活时已派发第 0 步，重复创建返回现有记录。
	var step workflow.StepResult
	code = postJSON(t, fmt.Sprintf("%s/api/v1/workflows/%s/steps/0/jobs", server.URL, wf.ID),
		map[string]string{"payer_wallet": "0xabc"}, &step)
	if code != http.StatusCreated {
		t.Fatalf("创建任务期望 201，实际 %d", code)
	}
	if step.JobStatus != jobrun.StatusRunning {
		t.Fatalf("期望 running，实际 %s", step.JobStatus)
	}

	// 轮询响应同时携带推进后的工作流快照。
	var poll struct {
		Step     workflow.StepResult `json:"step"`
		Workflow workflow.Workflow   `json:"workflow"`
	}
	if code := postJSON(t, server.URL+"/api/v1/jobs/"+step.ID+"/poll", nil, &poll); code != http.StatusOK {
		t.Fatalf("轮询期望 200，实际 %d", code)
	}
	if poll.Step.JobStatus != jobrun.StatusSucceeded || poll.Step.PaymentStatus != workflow.PaymentNotRequired {
		t.Fatalf("免费步骤应直接结清，实际 %s/%s", poll.Step.JobStatus, poll.Step.PaymentStatus)
	}
	if poll.Workflow.CurrentStep != 1 || poll.Workflow.Status != workflow.StatusActive {
		t.Fatalf("轮询快照应反映自动推进: %d/%s", poll.Workflow.CurrentStep, poll.Workflow.Status)
	}

	var step1 workflow.StepResult
	code = postJSON(t, fmt.Sprintf("%s/api/v1/workflows/%s/steps/1/jobs", server.URL, wf.ID), nil, &step1)
	if code != http.StatusCreated {
		t.Fatalf("取回第 1 步期望 201，实际 %d", code)
	}
	if code := postJSON(t, server.URL+"/api/v1/jobs/"+step1.ID+"/poll", nil, &poll); code != http.StatusOK {
		t.Fatalf("轮询期望 200，实际 %d", code)
	}
	step1 = poll.Step
	if step1.PaymentStatus != workflow.PaymentAwaiting {
		t.Fatalf("期望 awaiting_payment，实际 %s", step1.PaymentStatus)
	}

	verifier.Credit("0xt1", 100)
	code = postJSON(t, server.URL+"/api/v1/jobs/"+step1.ID+"/payment",
		map[string][]string{"txn_ids": {"0xt1"}}, &step1)
	if code != http.StatusOK {
		t.Fatalf("支付期望 200，实际 %d", code)
	}
	if step1.PaymentStatus != workflow.PaymentSettled {
		t.Fatalf("期望 settled，实际 %s", step1.PaymentStatus)
	}

	if code := getJSON(t, server.URL+"/api/v1/workflows/"+wf.ID, &wf); code != http.StatusOK {
		t.Fatalf("查询期望 200，实际 %d", code)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", wf.Status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	server, _ := newTestServer(t)

	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if code := getJSON(t, server.URL+"/api/v1/workflows/nope", &errResp); code != http.StatusNotFound {
		t.Fatalf("未知工作流期望 404，实际 %d", code)
	}
	if errResp.Code != string(workflow.CodeWorkflowNotFound) {
		t.Fatalf("期望错误码 %s，实际 %s", workflow.CodeWorkflowNotFound, errResp.Code)
	}

	if code := postJSON(t, server.URL+"/api/v1/workflows", map[string]string{"payer_wallet": "0xabc"}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("空请求期望 400，实际 %d", code)
	}

	// 越序创建任务映射为 409。
	var wf workflow.Workflow
	postJSON(t, server.URL+"/api/v1/workflows", map[string]string{
		"payer_wallet": "0xabc",
		"message":      "translate hello then summary the result",
	}, &wf)
	postJSON(t, server.URL+"/api/v1/workflows/"+wf.ID+"/start", nil, nil)
	if code := postJSON(t, fmt.Sprintf("%s/api/v1/workflows/%s/steps/1/jobs", server.URL, wf.ID), nil, &errResp); code != http.StatusConflict {
		t.Fatalf("越序创建期望 409，实际 %d", code)
	}
	if errResp.Code != string(workflow.CodeOutOfOrderStep) {
		t.Fatalf("期望错误码 %s，实际 %s", workflow.CodeOutOfOrderStep, errResp.Code)
	}
}

func TestAgentDirectoryEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	var listResp struct {
		Agents []agent.Record `json:"agents"`
	}
	if code := getJSON(t, server.URL+"/api/v1/agents", &listResp); code != http.StatusOK {
		t.Fatalf("目录列表期望 200，实际 %d", code)
	}
	if len(listResp.Agents) != 2 {
		t.Fatalf("期望 2 个智能体，实际 %d", len(listResp.Agents))
	}

	var record agent.Record
	if code := getJSON(t, server.URL+"/api/v1/agents/agent-translator", &record); code != http.StatusOK {
		t.Fatalf("目录查询期望 200，实际 %d", code)
	}
	if record.ID != "agent-translator" {
		t.Fatalf("期望 agent-translator，实际 %s", record.ID)
	}
	if code := getJSON(t, server.URL+"/api/v1/agents/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("未知智能体期望 404，实际 %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	// 先制造一些请求量。
	getJSON(t, server.URL+"/api/v1/agents", nil)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("拉取指标失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取指标失败: %v", err)
	}
	if !strings.Contains(string(body), "orcaflow_http_requests_total") {
		t.Fatal("指标输出缺少 orcaflow_http_requests_total")
	}
}
