package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"OrcaFlow/internal/agent"
	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/observability/metrics"
	"OrcaFlow/internal/workflow"
	"OrcaFlow/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动工作流执行。
type Server struct {
	addr      string
	service   *workflow.Service
	directory agent.Directory
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *workflow.Service, directory agent.Directory) *Server {
	return &Server{addr: addr, service: service, directory: directory}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，供测试直接挂 httptest 使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", s.instrument("workflows", s.handlePlanWorkflow))
	mux.HandleFunc("GET /api/v1/workflows", s.instrument("workflows", s.handleListWorkflows))
	mux.HandleFunc("GET /api/v1/workflows/stats", s.instrument("workflow_stats", s.handleWorkflowStats))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.instrument("workflow", s.handleGetWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/start", s.instrument("workflow_start", s.handleStartWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.instrument("workflow_cancel", s.handleCancelWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/advance", s.instrument("workflow_advance", s.handleAdvanceWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/steps/{index}/jobs", s.instrument("step_jobs", s.handleCreateStepJob))
	mux.HandleFunc("GET /api/v1/jobs/{stepID}", s.instrument("job", s.handleGetStep))
	mux.HandleFunc("POST /api/v1/jobs/{stepID}/poll", s.instrument("job_poll", s.handlePollStepJob))
	mux.HandleFunc("POST /api/v1/jobs/{stepID}/payment", s.instrument("job_payment", s.handleSubmitPayment))
	mux.HandleFunc("GET /api/v1/agents", s.instrument("agents", s.handleListAgents))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.instrument("agent", s.handleGetAgent))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handlePlanWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析请求失败"))
		return
	}
	wf, err := s.service.Plan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveWorkflowTransition(string(wf.Status))
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	workflows, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.service.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveWorkflowTransition(string(wf.Status))
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveWorkflowTransition(string(wf.Status))
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleAdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.service.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveWorkflowTransition(string(wf.Status))
	writeJSON(w, http.StatusOK, wf)
}

type createJobRequest struct {
	PayerWallet string `json:"payer_wallet"`
}

func (s *Server) handleCreateStepJob(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "步骤下标不合法"))
		return
	}
	var req createJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析请求失败"))
			return
		}
	}
	step, err := s.service.CreateJob(r.Context(), r.PathValue("id"), index, req.PayerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.GetStep(r.Context(), r.PathValue("stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// pollResponse 同时携带对账后的步骤与工作流快照。成功的步骤在 Poll
// 内部顺带推进一次，快照反映推进后的状态。
type pollResponse struct {
	Step     *workflow.StepResult `json:"step"`
	Workflow *workflow.Workflow   `json:"workflow"`
}

func (s *Server) handlePollStepJob(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.Poll(r.Context(), r.PathValue("stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.service.Get(r.Context(), step.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Step: step, Workflow: wf})
}

type submitPaymentRequest struct {
	TxnIDs []string `json:"txn_ids"`
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析请求失败"))
		return
	}
	step, err := s.service.SubmitPayment(r.Context(), r.PathValue("stepID"), req.TxnIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.directory.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.directory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// instrument 记录每个路由的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func listOptionsFromQuery(r *http.Request) []workflow.ListOption {
	query := r.URL.Query()
	var opts []workflow.ListOption
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts = append(opts, workflow.WithLimit(limit))
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		opts = append(opts, workflow.WithOffset(offset))
	}
	if statuses, ok := query["status"]; ok {
		converted := make([]workflow.Status, 0, len(statuses))
		for _, status := range statuses {
			converted = append(converted, workflow.Status(status))
		}
		opts = append(opts, workflow.WithStatuses(converted...))
	}
	if wallet := query.Get("payer_wallet"); wallet != "" {
		opts = append(opts, workflow.WithPayerWallet(wallet))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, workflow.WithQuery(q))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedAsc))
	}
	return opts
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: xerrors.Message(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 让每个请求共享服务生命周期上下文。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "service shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
