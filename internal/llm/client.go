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

	"github.com/conversehq/converse/internal/backoff"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/faults"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a chat completion request. FallbackModel, when set, overrides
// the client's configured fallback for the final retry attempt.
type Request struct {
	Messages      []Message
	Model         string
	FallbackModel string
}

// Result carries the completion plus the metadata recorded on the
// message log.
type Result struct {
	Content          string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Client generates chat completions.
type Client interface {
	Complete(ctx context.Context, req Request) (Result, error)
}

// retrySchedule backs off between completion attempts on 429/5xx.
var retrySchedule = backoff.Schedule{
	Base:        500 * time.Millisecond,
	Factor:      2,
	Jitter:      0.2,
	Cap:         5 * time.Second,
	MaxAttempts: 3,
}

// OpenAIClient calls an OpenAI-compatible /chat/completions endpoint with a
// per-request deadline and up to two retries on transient failures.
type OpenAIClient struct {
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	timeout       time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewOpenAIClient builds the client from configuration.
func NewOpenAIClient(log *slog.Logger, cfg config.LLMConfig) *OpenAIClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:       strings.TrimRight(cfg.ProviderURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		timeout:       timeout,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        log.With(slog.String("service", "llm")),
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs the completion, retrying on 429/5xx per the schedule and
// switching to the fallback model on the final attempt when configured.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	fallbackModel := req.FallbackModel
	if fallbackModel == "" {
		fallbackModel = c.fallbackModel
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= retrySchedule.MaxAttempts; attempt++ {
		useModel := model
		if attempt == retrySchedule.MaxAttempts && fallbackModel != "" {
			useModel = fallbackModel
		}

		result, err := c.once(ctx, useModel, req.Messages)
		if err == nil {
			result.Latency = time.Since(started)
			return result, nil
		}
		lastErr = err
		if !faults.IsRetryable(err) {
			return Result{}, err
		}
		c.logger.Warn("completion attempt failed",
			slog.Int("attempt", attempt), slog.String("model", useModel), slog.Any("error", err))
		if attempt < retrySchedule.MaxAttempts {
			if err := retrySchedule.Sleep(ctx, attempt); err != nil {
				return Result{}, faults.Transientf("llm.cancelled", "completion cancelled: %v", err)
			}
		}
	}
	return Result{}, lastErr
}

func (c *OpenAIClient) once(ctx context.Context, model string, messages []Message) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{Model: model, Messages: messages})
	if err != nil {
		return Result{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, faults.Transientf("llm.request", "completion call: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, faults.Transientf("llm.read", "read completion response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, faults.Transientf("llm.unavailable", "completion status %d", resp.StatusCode)
	default:
		return Result{}, faults.Permanentf("llm.rejected", "completion status %d", resp.StatusCode)
	}

	var decoded completionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, faults.Permanentf("llm.empty", "completion returned no choices")
	}

	usedModel := decoded.Model
	if usedModel == "" {
		usedModel = model
	}
	return Result{
		Content:          decoded.Choices[0].Message.Content,
		Provider:         c.baseURL,
		Model:            usedModel,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
	}, nil
}
