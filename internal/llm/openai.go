package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/httpkit"
)

// maxResponseBytes bounds how much of a completion body is read.
const maxResponseBytes = 4 << 20

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey string

	// SiteURL and AppName are sent as HTTP-Referer and X-Title, which
	// OpenRouter uses for attribution. Both are optional.
	SiteURL string
	AppName string

	// Timeout bounds a single call. Zero leaves it to the context.
	Timeout time.Duration
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
// The endpoint URL comes from each request, so one client serves every
// personality.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "openai")
	return &OpenAIClient{
		cfg:    cfg,
		logger: logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithLogger(logger),
		),
	}
}

type openaiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends one non-streaming completion request and returns the
// trimmed content of the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs := req.WireMessages()
	c.logger.Debug("preparing request",
		"conversation", req.ConversationID,
		"purpose", req.Purpose,
		"model", req.Model,
		"messages", len(msgs),
	)

	jsonData, err := json.Marshal(openaiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	}
	if c.cfg.AppName != "" {
		httpReq.Header.Set("X-Title", c.cfg.AppName)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error",
			"conversation", req.ConversationID,
			"status", resp.StatusCode,
			"body", errBody,
		)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(errBody)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	c.logger.Log(ctx, LevelTrace, "response payload", "json", string(body))

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	out := &Response{
		Model:        parsed.Model,
		Content:      strings.TrimSpace(parsed.Choices[0].Message.Content),
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}
	if out.Model == "" {
		out.Model = req.Model
	}

	c.logger.Debug("response received",
		"conversation", req.ConversationID,
		"purpose", req.Purpose,
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.Duration.Round(time.Millisecond),
	)
	return out, nil
}
