// Package llm provides a client for distilling knowledge from text chunks.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"knowpipe-go/internal/config"
)

// distillSystemPrompt 要求模型把文本蒸馏为独立的知识条目，输出 JSON 数组。
const distillSystemPrompt = `你是一个知识蒸馏助手。阅读用户给出的文本片段，提取其中值得长期保留的事实性知识。
每条知识必须是独立、完整、不依赖上下文的一句话。
只输出一个 JSON 字符串数组，例如 ["事实一", "事实二"]；没有可提取的知识时输出 []。不要输出任何其他内容。`

// Client defines the interface for a knowledge distillation client.
type Client interface {
	// DistillKnowledge 从一段文本中蒸馏出知识条目列表。
	DistillKnowledge(ctx context.Context, text string) ([]string, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client from the config.
func NewClient(cfg config.LLMConfig) Client {
	return &openAIClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Message 表示一条角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// DistillKnowledge 调用 chat completions 接口，把分块文本蒸馏为知识条目。
func (c *openAIClient) DistillKnowledge(ctx context.Context, text string) ([]string, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: distillSystemPrompt},
			{Role: "user", Content: text},
		},
	}
	if c.cfg.Temperature != 0 {
		t := c.cfg.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.MaxTokens != 0 {
		m := c.cfg.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("chat api returned no choices")
	}

	return ParseFacts(chatResp.Choices[0].Message.Content)
}

// ParseFacts 解析模型输出的 JSON 数组，容忍 markdown 代码块包裹。
func ParseFacts(content string) ([]string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var facts []string
	if err := json.Unmarshal([]byte(trimmed), &facts); err != nil {
		return nil, fmt.Errorf("无法解析模型输出为知识列表: %w, content: %s", err, content)
	}

	// 过滤空白条目
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}
