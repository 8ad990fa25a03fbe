package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ModelCaller issues a single chat completion against one backend model
type ModelCaller interface {
	Call(ctx context.Context, model string, messages []Message, opts CallOptions, jsonMode bool) (string, error)
}

// CallOptions are the sampling parameters applied to standard models
type CallOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// OptionsFromConfig derives call options from an engine configuration
func OptionsFromConfig(cfg EngineConfig) CallOptions {
	return CallOptions{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}
}

// chatCompletionRequest is the body sent to the chat-completions endpoint.
// Reasoning models get MaxCompletionTokens only; others get the sampling fields.
type chatCompletionRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	TopP                *float64  `json:"top_p,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string    `json:"reasoning_effort,omitempty"`
}

// chatCompletionResponse is the subset of the provider response we read
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Gateway calls the model provider with retry, backoff and optional throttling
type Gateway struct {
	apiURL  string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter

	retries int
	minWait time.Duration
	maxWait time.Duration

	reasoningPatterns []string
	reasoningTokens   int
	reasoningEffort   string

	logger  *zap.Logger
	metrics *Metrics
}

// NewGateway creates a gateway from process settings
func NewGateway(s Settings, logger *zap.Logger, metrics *Metrics) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		apiURL:            s.APIURL,
		apiKey:            s.APIKey,
		client:            &http.Client{Timeout: s.ModelRequestTimeout},
		retries:           s.ModelRetries,
		minWait:           s.RetryMinWait,
		maxWait:           s.RetryMaxWait,
		reasoningPatterns: s.ReasoningModelPatterns,
		reasoningTokens:   s.ReasoningCompletionTokens,
		reasoningEffort:   s.ReasoningEffort,
		logger:            logger,
		metrics:           metrics,
	}
	if s.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.RequestsPerMinute)), 1)
	}
	return g
}

// Call sends messages to model and returns the reply text. Failed attempts
// are retried with exponential backoff until the retry budget is spent.
// With jsonMode the reply is reduced to its outermost JSON object.
func (g *Gateway) Call(ctx context.Context, model string, messages []Message, opts CallOptions, jsonMode bool) (string, error) {
	if g.apiKey == "" {
		return "", ErrMissingCredential
	}

	start := time.Now()
	maxTries := g.retries + 1
	attempt := 0

	content, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		content, err := g.attempt(ctx, model, messages, opts)
		if err != nil {
			g.logger.Warn("model call attempt failed",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Int("retries_left", maxTries-attempt),
				zap.Bool("rate_limited", IsRateLimit(err)),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return content, nil
	},
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(error, time.Duration) {
			g.metrics.ObserveRetry(model)
		}),
	)

	g.metrics.ObserveModelCall(model, err, time.Since(start))
	if err != nil {
		return "", err
	}

	if jsonMode {
		return CleanJSONResponse(content), nil
	}
	return content, nil
}

func (g *Gateway) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.minWait
	b.MaxInterval = g.maxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// attempt performs one HTTP round trip
func (g *Gateway) attempt(ctx context.Context, model string, messages []Message, opts CallOptions) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", &ModelError{Kind: KindTransport, Model: model, Message: "request throttle wait aborted", Cause: err}
		}
	}

	payloadBytes, err := json.Marshal(g.buildRequest(model, messages, opts))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &ModelError{Kind: KindTransport, Model: model, Message: "failed to make request", Cause: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ModelError{Kind: KindTransport, Model: model, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifyStatus(model, resp.StatusCode, bodyBytes)
	}

	var apiResponse chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return "", &ModelError{Kind: KindMalformed, Model: model, StatusCode: resp.StatusCode, Message: "failed to parse response", Cause: err}
	}
	if len(apiResponse.Choices) == 0 || apiResponse.Choices[0].Message.Content == "" {
		return "", &ModelError{Kind: KindMalformed, Model: model, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response from backend for %s", model)}
	}

	return apiResponse.Choices[0].Message.Content, nil
}

func (g *Gateway) buildRequest(model string, messages []Message, opts CallOptions) chatCompletionRequest {
	body := chatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if IsReasoningModel(model, g.reasoningPatterns) {
		body.MaxCompletionTokens = g.reasoningTokens
		body.ReasoningEffort = g.reasoningEffort
		return body
	}

	temperature, topP := opts.Temperature, opts.TopP
	body.Temperature = &temperature
	body.MaxTokens = opts.MaxTokens
	if topP > 0 {
		body.TopP = &topP
	}
	return body
}

// classifyStatus turns a non-success response into a ModelError.
// 429 becomes RATE_LIMIT; the upstream message is kept when present.
func classifyStatus(model string, status int, body []byte) error {
	message := upstreamMessage(body)
	if status == http.StatusTooManyRequests {
		if message == "" {
			message = "Too many requests"
		}
		return &ModelError{Kind: KindRateLimit, Model: model, StatusCode: status, Message: message}
	}
	if message == "" {
		message = fmt.Sprintf("model backend error: %d %s", status, http.StatusText(status))
	}
	return &ModelError{Kind: KindBackend, Model: model, StatusCode: status, Message: message}
}

// upstreamMessage extracts error.message (or a plain string error) from a provider error body
func upstreamMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return ""
	}

	var detail struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}
	var plain string
	if err := json.Unmarshal(envelope.Error, &plain); err == nil {
		return plain
	}
	return ""
}

// IsReasoningModel reports whether model matches one of the reasoning family patterns
func IsReasoningModel(model string, patterns []string) bool {
	lower := strings.ToLower(model)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

var codeFence = regexp.MustCompile("```(?:json|JSON)?")

// CleanJSONResponse strips markdown fences and surrounding prose, returning
// the text between the first '{' and the last '}'
func CleanJSONResponse(content string) string {
	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(content, ""))
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start != -1 && end > start {
		return cleaned[start : end+1]
	}
	return cleaned
}

var _ ModelCaller = (*Gateway)(nil)
