package httpagent

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

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
)

const defaultTimeout = 15 * time.Second

// Client 通过 HTTP 与各智能体自托管的任务后端交互。
// 每个智能体在目录中登记自己的基础地址，任务创建与状态查询
// 走统一的 /start_job 与 /job/{id} 约定。
type Client struct {
	httpClient *http.Client
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout 设置单次请求的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient 创建 HTTP 任务后端客户端。
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Submit 在智能体后端创建一个异步任务。
func (c *Client) Submit(ctx context.Context, spec jobrun.Spec) (jobrun.Handle, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(spec.AgentEndpoint), "/")
	if endpoint == "" {
		return jobrun.Handle{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体端点不能为空")
	}

	payload, err := json.Marshal(map[string]any{
		"sender_address": spec.PayerWallet,
		"job_input":      spec.Input,
	})
	if err != nil {
		return jobrun.Handle{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化任务请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/start_job", bytes.NewReader(payload))
	if err != nil {
		return jobrun.Handle{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "构建任务请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jobrun.Handle{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "请求任务后端失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return jobrun.Handle{}, xerrors.New(xerrors.CodeBackendFailure,
			fmt.Sprintf("任务后端返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return jobrun.Handle{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "解析任务后端响应失败")
	}
	if strings.TrimSpace(decoded.JobID) == "" {
		return jobrun.Handle{}, xerrors.New(xerrors.CodeBackendFailure, "任务后端响应缺少 job_id")
	}

	return jobrun.Handle{AgentEndpoint: endpoint, JobID: decoded.JobID}, nil
}

// Status 查询任务的当前状态。无法识别的后端状态按 running 处理，
// 避免把未知值误判为终态。
func (c *Client) Status(ctx context.Context, handle jobrun.Handle) (jobrun.Result, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(handle.AgentEndpoint), "/")
	if endpoint == "" || handle.JobID == "" {
		return jobrun.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "任务句柄不完整")
	}

	statusURL := endpoint + "/job/" + url.PathEscape(handle.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return jobrun.Result{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "构建状态查询失败")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jobrun.Result{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "查询任务状态失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return jobrun.Result{}, xerrors.New(xerrors.CodeBackendFailure,
			fmt.Sprintf("任务后端返回状态 %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return jobrun.Result{}, xerrors.New(xerrors.CodeBackendFailure,
			fmt.Sprintf("任务后端拒绝查询 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
		Error  string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return jobrun.Result{}, xerrors.Wrap(xerrors.CodeBackendFailure, err, "解析任务状态失败")
	}

	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case string(jobrun.StatusPending):
		return jobrun.Result{Status: jobrun.StatusPending}, nil
	case string(jobrun.StatusSucceeded):
		return jobrun.Result{Status: jobrun.StatusSucceeded, Output: decoded.Output}, nil
	case string(jobrun.StatusFailed):
		return jobrun.Result{Status: jobrun.StatusFailed, Reason: decoded.Error}, nil
	default:
		return jobrun.Result{Status: jobrun.StatusRunning}, nil
	}
}

var _ jobrun.Backend = (*Client)(nil)
