package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestTimeout    time.Duration
	RequestsPerMinute int
	MaxTokens         int
}

// OpenAIClient calls an OpenAI-compatible chat-completions endpoint.
// Requests pass a shared rate limiter and a circuit breaker that opens
// after sustained provider failures.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// NewOpenAIClient creates the provider client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations are not provider failures.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("llm_breaker_state_changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		breaker:   breaker,
	}, nil
}

// Complete runs one chat completion and returns the reply text.
// Provider failures come back classified as retryable upstream errors;
// context cancellation passes through untouched.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	kind := req.Kind
	if kind == "" {
		kind = "chat"
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	if req.JSONObject {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	reply, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("chat completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		telemetry.RecordLLMRequest(kind, "error")
		return "", classifyProviderError(err)
	}

	telemetry.RecordLLMRequest(kind, "success")
	return reply.(string), nil
}

func classifyProviderError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return serviceerrors.Upstream(serviceerrors.ErrCodeLLMUnavailable,
			"llm circuit breaker open", err)
	}
	return serviceerrors.Upstream(serviceerrors.ErrCodeLLMUnavailable,
		"llm request failed", err)
}

var _ Client = (*OpenAIClient)(nil)
