package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"TechThermometer/internal/config"
	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// ChatGPTClient implements ports.Classifier backed by OpenAI-compatible APIs.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	categories   []string
	httpClient   *http.Client
}

var _ ports.Classifier = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig) *ChatGPTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		categories:   cfg.Categories,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify asks the model to pick a category for text and parses its JSON answer.
func (c *ChatGPTClient) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if c == nil {
		return domain.Classification{}, fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.Classification{}, fmt.Errorf("chatgpt client misconfigured")
	}

	body, err := json.Marshal(map[string]any{
		"model":           c.model,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []chatMessage{
			{Role: "system", Content: c.prompt()},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("classify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Classification{}, fmt.Errorf("chatgpt error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Classification{}, fmt.Errorf("decode chatgpt response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return domain.Classification{}, fmt.Errorf("chatgpt returned no choices")
	}
	return parseAnswer(decoded.Choices[0].Message.Content, c.categories)
}

func (c *ChatGPTClient) prompt() string {
	prompt := strings.TrimSpace(c.systemPrompt)
	if prompt == "" {
		prompt = "You classify technology news articles by topic."
	}
	prompt += ` Reply with JSON {"category": string, "confidence": number between 0 and 1}.`
	if len(c.categories) > 0 {
		prompt += " Choose category from: " + strings.Join(c.categories, ", ") + "."
	}
	return prompt
}

// parseAnswer decodes the model's JSON. Categories outside the allowed list
// are reported with zero confidence.
func parseAnswer(content string, allowed []string) (domain.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "`\n ")

	var answer struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return domain.Classification{}, fmt.Errorf("parse chatgpt answer: %w", err)
	}

	class := domain.Classification{
		Category:   strings.TrimSpace(answer.Category),
		Confidence: min(max(answer.Confidence, 0), 1),
	}
	if len(allowed) == 0 {
		return class, nil
	}
	for _, name := range allowed {
		if strings.EqualFold(name, class.Category) {
			class.Category = name
			return class, nil
		}
	}
	class.Confidence = 0
	return class, nil
}
