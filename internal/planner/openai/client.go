package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"OrcaFlow/internal/planner"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 完成工作流规划。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 规划器。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Plan 实现 planner.Planner 接口。
func (c *Client) Plan(ctx context.Context, req planner.Request) (*planner.Plan, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	return parsePlan(content)
}

var jsonBlockPattern = regexp.MustCompile(`\{[\s\S]*\}`)

// parsePlan 从模型输出中提取 JSON 计划。模型偶尔会在 JSON 外包裹说明文字，
// 因此先截取首个大括号块再解码。
func parsePlan(content string) (*planner.Plan, error) {
	raw := content
	if match := jsonBlockPattern.FindString(content); match != "" {
		raw = match
	}

	var structured struct {
		Reasoning string `json:"reasoning"`
		Steps     []struct {
			StepNumber  int            `json:"step_number"`
			AgentID     string         `json:"agent_id"`
			Capability  string         `json:"capability"`
			Description string         `json:"description"`
			InputData   map[string]any `json:"input_data"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &structured); err != nil {
		return nil, fmt.Errorf("解析规划 JSON 失败: %w", err)
	}
	if len(structured.Steps) == 0 {
		return nil, errors.New("规划结果不包含任何步骤")
	}

	steps := make([]planner.StepDraft, 0, len(structured.Steps))
	for _, step := range structured.Steps {
		steps = append(steps, planner.StepDraft{
			AgentID:     step.AgentID,
			Capability:  step.Capability,
			Description: step.Description,
			Input:       step.InputData,
		})
	}
	return &planner.Plan{Reasoning: structured.Reasoning, Steps: steps}, nil
}

func (c *Client) buildPayload(req planner.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a workflow orchestrator. Analyze user requests and compose ordered multi-step agent workflows. " +
	"Respond with a single JSON object: {\"reasoning\": string, \"steps\": [{\"step_number\": int, " +
	"\"agent_id\": string, \"capability\": string, \"description\": string, \"input_data\": object}]}. " +
	"Only reference agents from the provided catalog, order steps sequentially, and make each step's " +
	"input_data match the agent's example input format exactly."

func buildUserPrompt(req planner.Request) string {
	var builder strings.Builder
	builder.WriteString("## 用户请求\n")
	builder.WriteString(strings.TrimSpace(req.Message))
	builder.WriteString("\n\n## 可用智能体\n")
	for _, record := range req.Agents {
		if record == nil {
			continue
		}
		builder.WriteString(fmt.Sprintf("- ID: %s\n  名称: %s\n  描述: %s\n  类目: %s\n  标签: %s\n",
			record.ID,
			record.Name,
			truncate(record.Description),
			record.Category,
			strings.Join(record.Tags, ", "),
		))
		if record.ExampleInput != "" {
			builder.WriteString(fmt.Sprintf("  输入示例: %s\n", truncate(record.ExampleInput)))
		}
		if record.ExampleOutput != "" {
			builder.WriteString(fmt.Sprintf("  输出示例: %s\n", truncate(record.ExampleOutput)))
		}
	}
	builder.WriteString("\n请给出 reasoning 以及按执行顺序排列的 steps，步骤之间可以引用上一步的输出。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 160 {
		return string([]rune(text)[:160]) + "..."
	}
	return text
}

var _ planner.Planner = (*Client)(nil)
